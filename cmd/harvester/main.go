// Command harvester retrieves every listing in a price domain from a
// service that caps the number of results per request.
//
// Exit codes: 0 when the whole domain was retrieved, 2 when some
// sub-ranges failed or overflowed (see the report), 1 on fatal errors.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/price-harvester/pkg/client"
	"github.com/Sternrassler/price-harvester/pkg/config"
	"github.com/Sternrassler/price-harvester/pkg/logging"
	"github.com/Sternrassler/price-harvester/pkg/metrics"
	"github.com/Sternrassler/price-harvester/pkg/partition"
	"github.com/Sternrassler/price-harvester/pkg/ratelimit"
	"github.com/Sternrassler/price-harvester/pkg/storefront"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitIncomplete = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return exitFatal
	}

	cfg, err := config.Load(config.Flags(), args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "harvester: %v\n", err)
		return exitFatal
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
	})
	logger := logging.NewLogger("harvester")

	if err := (partition.Range{Lo: cfg.MinPrice, Hi: cfg.MaxPrice}).Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid price domain")
		return exitFatal
	}

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
			return exitFatal
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMux(redisClient),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	out, closeOut, err := openOutput(cfg.Output, stdout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open output")
		return exitFatal
	}

	var result harvestResult
	switch cfg.Source {
	case config.SourceStorefront:
		var fetcher *storefront.Fetcher
		fetcher, err = newStorefrontFetcher(cfg, redisClient)
		if err == nil {
			result, err = harvest[storefront.Listing](ctx, fetcher, cfg, out, logger)
		}
	default:
		var fetcher *client.Client
		fetcher, err = newAPIFetcher(cfg, redisClient)
		if err == nil {
			defer fetcher.Close()
			result, err = harvest[client.Product](ctx, fetcher, cfg, out, logger)
		}
	}

	if closeErr := closeOut(); closeErr != nil {
		logger.Error().Err(closeErr).Msg("Failed to write items")
		return exitFatal
	}

	if err != nil && !result.ran {
		logger.Error().Err(err).Msg("Harvest failed")
		return exitFatal
	}

	if cfg.ReportPath != "" {
		if werr := writeReport(cfg.ReportPath, result); werr != nil {
			logger.Error().Err(werr).Msg("Failed to write report")
			return exitFatal
		}
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Harvest interrupted, partial result written")
		return exitIncomplete
	}
	if !result.Report.Complete() {
		logFailures(logger, result.Report)
		return exitIncomplete
	}
	return exitOK
}

// harvestResult is what the report file holds.
type harvestResult struct {
	partition.Report
	Summary partition.Summary `json:"summary"`

	ran bool
}

// harvest runs the partitioner over the configured domain and streams
// every item to out as one JSON document per line. The returned result
// has ran set whenever FetchAll got past domain validation, even if it
// also returned a context error.
func harvest[T any](ctx context.Context, fetcher partition.Fetcher[T], cfg *config.Config, out io.Writer, logger zerolog.Logger) (harvestResult, error) {
	p, err := partition.New(fetcher, partition.Config{
		Cap:            cfg.Cap,
		MaxConcurrency: cfg.Concurrency,
		MaxDepth:       cfg.MaxDepth,
		FetchTimeout:   fetchDeadline(cfg.FetchTimeout, fetcher, logger),
	})
	if err != nil {
		return harvestResult{}, err
	}

	res, runErr := p.FetchAll(ctx, cfg.MinPrice, cfg.MaxPrice)
	if errors.Is(runErr, partition.ErrInvalidDomain) {
		return harvestResult{}, runErr
	}

	enc := json.NewEncoder(out)
	for _, item := range res.Items {
		if err := enc.Encode(item); err != nil {
			return harvestResult{}, fmt.Errorf("write item: %w", err)
		}
	}

	return harvestResult{Report: res.Report, Summary: res.Summary(), ran: true}, runErr
}

// fetchDeadline returns the per-range deadline. It is never shorter than
// the fetcher's worst case, so retries and rate limit waits can run.
func fetchDeadline(configured time.Duration, fetcher any, logger zerolog.Logger) time.Duration {
	b, ok := fetcher.(interface{ MaxFetchDuration() time.Duration })
	if !ok {
		return configured
	}
	need := b.MaxFetchDuration()
	if configured > 0 && configured < need {
		logger.Warn().
			Dur("fetch_timeout", configured).
			Dur("required", need).
			Msg("fetch_timeout is shorter than one fetch with all retries, raising it")
	}
	return max(configured, need)
}

func newAPIFetcher(cfg *config.Config, redisClient *redis.Client) (*client.Client, error) {
	c := client.DefaultConfig(cfg.BaseURL)
	if cfg.Path != "" {
		c.Path = cfg.Path
	}
	c.MinParam = cfg.MinParam
	c.MaxParam = cfg.MaxParam
	c.TotalField = cfg.TotalField
	c.ItemsField = cfg.ItemsField
	c.Query = filterValues(cfg.Filters)
	c.UserAgent = cfg.UserAgent
	c.Redis = redisClient
	c.CacheEnabled = cfg.Cache
	c.Timeout = cfg.RequestTimeout
	c.MaxBlockWait = cfg.MaxBlockWait
	c.Retry = client.RetryConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: 2.0,
	}
	return client.New(c)
}

func newStorefrontFetcher(cfg *config.Config, redisClient *redis.Client) (*storefront.Fetcher, error) {
	s := storefront.DefaultConfig(cfg.BaseURL)
	if cfg.Path != "" {
		s.Path = cfg.Path
	}
	s.MinParam = cfg.MinParam
	s.MaxParam = cfg.MaxParam
	s.Query = filterValues(cfg.Filters)
	s.UserAgent = cfg.UserAgent
	s.Timeout = cfg.RequestTimeout
	s.Selectors = storefront.Selectors{
		Total:  cfg.Selectors.Total,
		Item:   cfg.Selectors.Item,
		IDAttr: cfg.Selectors.IDAttr,
		Name:   cfg.Selectors.Name,
		Price:  cfg.Selectors.Price,
		Link:   cfg.Selectors.Link,
	}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if redisClient != nil {
		store = ratelimit.NewRedisStore(redisClient)
	}
	s.Limiter = ratelimit.NewTracker(store, logging.NewLogger("ratelimit"))

	return storefront.New(s)
}

func filterValues(filters map[string]string) url.Values {
	if len(filters) == 0 {
		return nil
	}
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	return q
}

// openOutput returns the items writer and a func that flushes and closes it.
func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		w := bufio.NewWriter(stdout)
		return w, w.Flush, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	return w, func() error {
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func writeReport(path string, result harvestResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func logFailures(logger zerolog.Logger, report partition.Report) {
	for _, f := range report.Failures {
		logger.Warn().
			Stringer("range", f.Range).
			Int("estimate", f.Estimate).
			Str("cause", f.Cause).
			Msg("Sub-range not retrieved")
	}
	for _, o := range report.Overflows {
		logger.Warn().
			Stringer("range", o.Range).
			Int("total", o.Total).
			Int("missing", o.Missing()).
			Str("reason", string(o.Reason)).
			Msg("Range over cap could not be split")
	}
}

func newMux(redisClient *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready while Redis, when configured, answers pings.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}
