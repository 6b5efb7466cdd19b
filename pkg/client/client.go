// Package client fetches price-range pages from a JSON listing API.
//
// Every request passes a rate limit gate, an optional Redis page cache
// and a retry loop before its body is decoded into a partition.Page.
// *Client satisfies partition.Fetcher[Product].
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/price-harvester/pkg/cache"
	"github.com/Sternrassler/price-harvester/pkg/partition"
	"github.com/Sternrassler/price-harvester/pkg/ratelimit"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total listing API requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Listing API request duration in seconds, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	requestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_request_errors_total",
		Help: "Total listing API errors by class",
	}, []string{"class"})

	requestRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_request_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Defaults for the listing API wire format.
const (
	DefaultPath       = "/products"
	DefaultMinParam   = "minPrice"
	DefaultMaxParam   = "maxPrice"
	DefaultTotalField = "total"
	DefaultItemsField = "products"
	DefaultUserAgent  = "price-harvester/1.0"
)

// maxErrorBody bounds how much of an error response is kept as message.
const maxErrorBody = 512

var _ partition.Fetcher[Product] = (*Client)(nil)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the listing API, e.g. "https://shop.example".
	BaseURL string

	// Path of the listing endpoint. Defaults to DefaultPath.
	Path string

	// Query parameter names carrying the inclusive price bounds.
	MinParam string
	MaxParam string

	// JSON field names of the page total and the item array.
	TotalField string
	ItemsField string

	// Query holds fixed filters sent with every request.
	Query url.Values

	UserAgent string

	// Redis client for page caching and shared rate limit state. Optional:
	// without it the rate limit state is kept in process memory.
	Redis *redis.Client

	// CacheEnabled caches pages in Redis. Requires Redis.
	CacheEnabled bool

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// MaxBlockWait is how long a request may wait for an exhausted rate
	// limit window to reset before failing with ErrRateLimited.
	MaxBlockWait time.Duration

	Retry RetryConfig

	// Logger defaults to the global logger with component=api-client.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Path:         DefaultPath,
		MinParam:     DefaultMinParam,
		MaxParam:     DefaultMaxParam,
		TotalField:   DefaultTotalField,
		ItemsField:   DefaultItemsField,
		UserAgent:    DefaultUserAgent,
		Timeout:      30 * time.Second,
		MaxBlockWait: time.Minute,
		Retry:        DefaultRetryConfig(),
	}
}

// Client is the listing API client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	endpoint    *url.URL
	config      Config
	logger      zerolog.Logger
}

// New creates a new listing API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, errors.New("user-agent is required")
	}

	if cfg.CacheEnabled && cfg.Redis == nil {
		return nil, errors.New("cache requires a redis client")
	}

	if cfg.MaxBlockWait < 0 {
		return nil, fmt.Errorf("max_block_wait must be >= 0 (got %s)", cfg.MaxBlockWait)
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MinParam == "" {
		cfg.MinParam = DefaultMinParam
	}
	if cfg.MaxParam == "" {
		cfg.MaxParam = DefaultMaxParam
	}
	if cfg.TotalField == "" {
		cfg.TotalField = DefaultTotalField
	}
	if cfg.ItemsField == "" {
		cfg.ItemsField = DefaultItemsField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	logger := log.With().Str("component", "api-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		store = ratelimit.NewRedisStore(cfg.Redis)
		if cfg.CacheEnabled {
			cacheManager = cache.NewManager(cfg.Redis)
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: ratelimit.NewTracker(store, logger),
		cache:       cacheManager,
		endpoint:    base.JoinPath(cfg.Path),
		config:      cfg,
		logger:      logger,
	}, nil
}

// FetchRange requests the listings priced within r and decodes the page.
func (c *Client) FetchRange(ctx context.Context, r partition.Range) (partition.Page[Product], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rangeURL(r), nil)
	if err != nil {
		return partition.Page[Product]{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return partition.Page[Product]{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return partition.Page[Product]{}, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    msg,
		}
	}

	page, err := c.decodePage(resp.Body)
	if err != nil {
		if c.cache != nil {
			if delErr := c.cache.Delete(ctx, cache.KeyForRequest(req)); delErr != nil {
				c.logger.Warn().Err(delErr).Msg("Failed to evict malformed page from cache")
			}
		}
		return partition.Page[Product]{}, err
	}

	outside := 0
	for _, p := range page.Items {
		if !p.InRange(r) {
			outside++
		}
	}
	if outside > 0 {
		c.logger.Warn().
			Stringer("range", r).
			Int("outside", outside).
			Msg("API returned products priced outside the requested range")
	}

	return page, nil
}

func (c *Client) rangeURL(r partition.Range) string {
	u := *c.endpoint
	q := url.Values{}
	for k, v := range c.config.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set(c.config.MinParam, strconv.FormatInt(r.Lo, 10))
	q.Set(c.config.MaxParam, strconv.FormatInt(r.Hi, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) decodePage(body io.Reader) (partition.Page[Product], error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return partition.Page[Product]{}, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}

	totalRaw, ok := raw[c.config.TotalField]
	if !ok {
		return partition.Page[Product]{}, fmt.Errorf("%w: missing %q field", ErrMalformedPage, c.config.TotalField)
	}
	var total int
	if err := json.Unmarshal(totalRaw, &total); err != nil {
		return partition.Page[Product]{}, fmt.Errorf("%w: %q: %v", ErrMalformedPage, c.config.TotalField, err)
	}

	var items []Product
	if itemsRaw, ok := raw[c.config.ItemsField]; ok {
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return partition.Page[Product]{}, fmt.Errorf("%w: %q: %v", ErrMalformedPage, c.config.ItemsField, err)
		}
	} else if total > 0 {
		return partition.Page[Product]{}, fmt.Errorf("%w: missing %q field", ErrMalformedPage, c.config.ItemsField)
	}

	switch {
	case total < 0:
		return partition.Page[Product]{}, fmt.Errorf("%w: negative %q %d", ErrMalformedPage, c.config.TotalField, total)
	case len(items) > total:
		return partition.Page[Product]{}, fmt.Errorf("%w: %d items exceed %q %d", ErrMalformedPage, len(items), c.config.TotalField, total)
	}

	return partition.Page[Product]{Total: total, Items: items}, nil
}

// Do performs an HTTP request with rate limiting, caching, and error handling.
// Retryable failures (5xx, 429/520, network) are retried with backoff;
// 4xx responses are returned to the caller unchanged.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	var (
		cacheKey    cache.Key
		cachedEntry *cache.Entry
	)
	if c.cache != nil {
		cacheKey = cache.KeyForRequest(req)
		entry, fresh, err := c.cache.Lookup(ctx, cacheKey)
		switch {
		case err == nil && fresh:
			c.logger.Debug().Str("key", cacheKey.String()).Msg("Serving page from cache")
			requestsTotal.WithLabelValues("cached").Inc()
			return cache.EntryToResponse(entry, req), nil
		case err == nil:
			cachedEntry = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", cacheKey.String()).Msg("Cache get error")
		}

		if cache.ShouldMakeConditionalRequest(cachedEntry) {
			cache.AddConditionalHeaders(req, cachedEntry)
			c.logger.Debug().
				Str("key", cacheKey.String()).
				Str("etag", cachedEntry.ETag).
				Msg("Making conditional request")
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	c.logger.Debug().
		Str("url", req.URL.String()).
		Str("method", req.Method).
		Msg("Executing API request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.Retry, c.logger, func() (ErrorClass, error) {
		if err := c.waitForBudget(ctx); err != nil {
			return "", err
		}

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Error().Err(reqErr).Str("url", req.URL.String()).Msg("HTTP request failed")
			requestErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues("network_error").Inc()
			return ErrorClassNetwork, reqErr
		}

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		errClass := classifyStatus(resp.StatusCode)
		if errClass == "" {
			return "", nil
		}

		requestErrorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("API request error")

		if !shouldRetry(errClass) {
			return "", nil
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header),
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		resp = nil
		return errClass, apiErr
	})
	if retryErr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}

	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("key", cacheKey.String()).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()
		resp.Body.Close()

		if expiresStr := resp.Header.Get("Expires"); expiresStr != "" {
			if newExpires, err := http.ParseTime(expiresStr); err == nil {
				cachedEntry.Expires = newExpires
				if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
				}
			}
		}
		return cache.EntryToResponse(cachedEntry, req), nil
	}

	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("key", cacheKey.String()).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
	}

	return resp, nil
}

// MaxFetchDuration is the longest a FetchRange call can take when every
// attempt times out, waits out the rate limit window and backs off as
// far as the retry policy allows.
func (c *Client) MaxFetchDuration() time.Duration {
	retry := c.config.Retry.ForClass(ErrorClassRateLimit)
	attempts := time.Duration(retry.MaxAttempts)

	perAttempt := c.config.Timeout + c.config.MaxBlockWait + c.rateLimiter.ThrottleDelay()
	// rate limit backoff is the longest of all classes, plus 20% jitter
	backoff := retry.MaxBackoff + retry.MaxBackoff/5

	return attempts*perAttempt + (attempts-1)*backoff
}

// waitForBudget blocks while the rate limit window is exhausted, up to
// MaxBlockWait.
func (c *Client) waitForBudget(ctx context.Context) error {
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if allowed {
		return nil
	}

	state, err := c.rateLimiter.GetState(ctx)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	wait := state.TimeUntilReset()
	if wait > c.config.MaxBlockWait {
		requestsTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: window resets in %s", ErrRateLimited, wait.Round(time.Second))
	}

	c.logger.Warn().Dur("wait", wait).Msg("Waiting for rate limit window to reset")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Get performs a GET request against a path relative to BaseURL.
func (c *Client) Get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.config.BaseURL, "/")+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// RateLimiter returns the rate limit tracker (for testing).
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
