package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: redisClient}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if entry.IsExpired() {
		if !ShouldMakeConditionalRequest(entry) {
			_ = m.Delete(ctx, key)
		}
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return entry, nil
}

// Lookup returns the stored entry and whether it is still fresh. Expired
// entries are returned with fresh=false so their validators can be reused.
func (m *Manager) Lookup(ctx context.Context, key Key) (entry *Entry, fresh bool, err error) {
	entry, err = m.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry.IsExpired() {
		CacheMisses.Inc()
		return entry, false, nil
	}
	CacheHits.Inc()
	return entry, true, nil
}

// GetStale retrieves an entry even if it has expired, so its validators
// can be sent with a conditional request. Returns ErrCacheMiss if absent.
func (m *Manager) GetStale(ctx context.Context, key Key) (*Entry, error) {
	return m.load(ctx, key)
}

func (m *Manager) load(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set stores a cache entry. The Redis key outlives the entry's Expires by
// StaleRetention so ETags stay available for revalidation.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 && entry.ETag == "" && entry.LastModified.IsZero() {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl+StaleRetention).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// UpdateTTL moves the expiry of a stored entry, typically after a
// 304 Not Modified response carried a new Expires header.
func (m *Manager) UpdateTTL(ctx context.Context, key Key, newExpires time.Time) error {
	entry, err := m.GetStale(ctx, key)
	if err != nil {
		return err
	}
	entry.Expires = newExpires
	return m.Set(ctx, key, entry)
}

// Purge deletes every key under KeyPrefix and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, KeyPrefix+":*", 100).Result()
		if err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				CacheErrors.WithLabelValues("delete").Inc()
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
