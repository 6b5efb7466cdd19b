package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "harvest:rate_limit:remaining"
	RedisKeyResetTimestamp = "harvest:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "harvest:rate_limit:last_update"
)

// Store persists rate limit state.
type Store interface {
	// Load returns the stored state, or nil if nothing has been stored yet.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// RedisStore shares state between processes through Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (*State, error) {
	vals, err := r.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget rate limit state: %w", err)
	}
	if vals[0] == nil {
		return nil, nil
	}

	remaining, err := parseRedisInt(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	resetUnix, err := parseRedisInt(vals[1])
	if err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	if s, ok := vals[2].(string); ok && s != "" {
		if err := lastUpdate.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  int(remaining),
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()
	return state, nil
}

// Save implements Store. The keys are written in one pipeline and expire
// together one minute after the window resets.
func (r *RedisStore) Save(ctx context.Context, s *State) error {
	lastUpdate, err := s.LastUpdate.MarshalText()
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	ttl := s.TimeUntilReset() + time.Minute

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRemaining, s.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, s.ResetAt.Unix(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, string(lastUpdate), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

func parseRedisInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("missing value")
	}
	return strconv.ParseInt(s, 10, 64)
}

// MemoryStore keeps state in process memory for single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := *m.state
	return &s, nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}
