package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxConcurrency bounds in-flight fetches when Config leaves it unset.
	DefaultMaxConcurrency = 4

	// DefaultMaxDepth is enough to bisect any int64 range down to single points.
	DefaultMaxDepth = 64
)

// Config holds partitioner configuration.
type Config struct {
	// Cap is the maximum number of items the API returns for one query (REQUIRED, >= 1).
	Cap int

	// MaxConcurrency is the maximum number of fetches in flight.
	// Use it to stay below the API's rate limits.
	MaxConcurrency int

	// MaxDepth stops bisection; deeper overflowing ranges are reported as overflows.
	MaxDepth int

	// FetchTimeout bounds each fetch call (0 disables).
	FetchTimeout time.Duration

	// Logger defaults to the global logger with component=partitioner.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for the given cap.
func DefaultConfig(capacity int) Config {
	return Config{
		Cap:            capacity,
		MaxConcurrency: DefaultMaxConcurrency,
		MaxDepth:       DefaultMaxDepth,
		FetchTimeout:   30 * time.Second,
	}
}

// Partitioner enumerates a domain through a Fetcher by adaptive bisection.
// It is safe for concurrent use; every FetchAll call owns its own state.
type Partitioner[T any] struct {
	fetcher Fetcher[T]
	config  Config
	logger  zerolog.Logger
}

// New creates a partitioner.
func New[T any](fetcher Fetcher[T], cfg Config) (*Partitioner[T], error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Cap < 1 {
		return nil, fmt.Errorf("cap must be >= 1 (got %d)", cfg.Cap)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	logger := log.With().Str("component", "partitioner").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Partitioner[T]{
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Config returns the effective configuration.
func (p *Partitioner[T]) Config() Config {
	return p.config
}

// FetchAll retrieves every item in [lo, hi].
//
// It returns an *InvalidDomainError before any fetch when lo > hi. Fetch
// failures and overflows never abort the run; they are listed in the
// Report. If ctx is cancelled the partial result is returned together
// with the context error.
func (p *Partitioner[T]) FetchAll(ctx context.Context, lo, hi int64) (Result[T], error) {
	domain := Range{Lo: lo, Hi: hi}
	if err := domain.Validate(); err != nil {
		return Result[T]{}, err
	}

	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	logger.Info().
		Int64("domain_lo", lo).
		Int64("domain_hi", hi).
		Int("cap", p.config.Cap).
		Int("max_concurrency", p.config.MaxConcurrency).
		Msg("Starting range partitioning")

	r := &run[T]{
		p:      p,
		sem:    make(chan struct{}, p.config.MaxConcurrency),
		logger: logger,
	}
	b := r.cover(ctx, domain, 0)
	b.sortByRange()

	report := Report{
		RunID:     runID,
		Domain:    domain,
		Cap:       p.config.Cap,
		Fetches:   b.fetches,
		Splits:    b.splits,
		MaxDepth:  b.maxDepth,
		Duration:  time.Since(start),
		Leaves:    b.leaves,
		Failures:  b.failures,
		Overflows: b.overflows,
	}
	partitionRunDuration.Observe(report.Duration.Seconds())

	summary := report.Summary(len(b.items))
	event := logger.Info()
	if !report.Complete() {
		event = logger.Warn()
	}
	event.
		Int("items", summary.Retrieved).
		Int("fetches", report.Fetches).
		Int("leaves", len(report.Leaves)).
		Int("failed_ranges", summary.FailedRanges).
		Int("overflows", summary.Overflows).
		Dur("duration", report.Duration).
		Msg(summary.String())

	res := Result[T]{Items: b.items, Report: report}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("partitioning %s: %w", domain, err)
	}
	return res, nil
}

// run is the state of one FetchAll call.
type run[T any] struct {
	p      *Partitioner[T]
	sem    chan struct{}
	logger zerolog.Logger
}

// branch is the local contribution of one sub-tree, merged by its parent
// once both halves have finished.
type branch[T any] struct {
	items     []T
	total     int // reported total of the branch root, -1 if its fetch failed
	leaves    []Range
	failures  []FetchFailure
	overflows []UnsubdividableOverflow
	fetches   int
	splits    int
	maxDepth  int
}

func (b *branch[T]) merge(o branch[T]) {
	b.items = append(b.items, o.items...)
	b.leaves = append(b.leaves, o.leaves...)
	b.failures = append(b.failures, o.failures...)
	b.overflows = append(b.overflows, o.overflows...)
	b.fetches += o.fetches
	b.splits += o.splits
	if o.maxDepth > b.maxDepth {
		b.maxDepth = o.maxDepth
	}
}

// sortByRange orders leaves, failures and overflows by range.
func (b *branch[T]) sortByRange() {
	slices.SortFunc(b.leaves, compareRanges)
	slices.SortFunc(b.failures, func(x, y FetchFailure) int { return compareRanges(x.Range, y.Range) })
	slices.SortFunc(b.overflows, func(x, y UnsubdividableOverflow) int { return compareRanges(x.Range, y.Range) })
}

// cover fetches rg and bisects it while its total exceeds the cap.
func (r *run[T]) cover(ctx context.Context, rg Range, depth int) branch[T] {
	b := branch[T]{total: -1, fetches: 1, maxDepth: depth, leaves: []Range{rg}}
	capacity := r.p.config.Cap

	page, err := r.fetch(ctx, rg)
	if err != nil {
		partitionFetchesTotal.WithLabelValues(outcomeFailed).Inc()
		r.logger.Warn().
			Err(err).
			Int64("range_lo", rg.Lo).
			Int64("range_hi", rg.Hi).
			Int("depth", depth).
			Msg("Range fetch failed")
		b.failures = []FetchFailure{{
			Range:    rg,
			Estimate: -1,
			Depth:    depth,
			Cause:    err.Error(),
			Err:      err,
		}}
		return b
	}
	b.total = page.Total

	if page.Total <= capacity {
		partitionFetchesTotal.WithLabelValues(outcomeLeaf).Inc()
		partitionLeafDepth.Observe(float64(depth))
		partitionItemsTotal.Add(float64(len(page.Items)))
		b.items = page.Items
		return b
	}

	if rg.IsPoint() || depth >= r.p.config.MaxDepth {
		reason := OverflowSinglePoint
		if !rg.IsPoint() {
			reason = OverflowMaxDepth
		}
		partitionFetchesTotal.WithLabelValues(outcomeOverflow).Inc()
		partitionOverflowsTotal.WithLabelValues(string(reason)).Inc()
		partitionLeafDepth.Observe(float64(depth))
		partitionItemsTotal.Add(float64(len(page.Items)))
		r.logger.Warn().
			Int64("range_lo", rg.Lo).
			Int64("range_hi", rg.Hi).
			Int("total", page.Total).
			Int("cap", capacity).
			Str("reason", string(reason)).
			Msg("Range exceeds cap and cannot be split - accepting capped page")
		b.items = page.Items
		b.overflows = []UnsubdividableOverflow{{
			Range:  rg,
			Total:  page.Total,
			Cap:    capacity,
			Reason: reason,
		}}
		return b
	}

	partitionFetchesTotal.WithLabelValues(outcomeSplit).Inc()
	left, right := rg.Split()
	r.logger.Debug().
		Int64("range_lo", rg.Lo).
		Int64("range_hi", rg.Hi).
		Int64("mid", left.Hi).
		Int("total", page.Total).
		Int("depth", depth).
		Msg("Bisecting range")

	var lb branch[T]
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lb = r.cover(ctx, left, depth+1)
	}()
	rb := r.cover(ctx, right, depth+1)
	wg.Wait()

	estimateFailedHalves(&lb, &rb, page.Total)

	b.items = nil
	b.leaves = nil
	b.splits = 1
	b.merge(lb)
	b.merge(rb)
	return b
}

// estimateFailedHalves fills in the Estimate of halves whose own fetch
// failed, using the parent's total and the sibling's total.
func estimateFailedHalves[T any](left, right *branch[T], parentTotal int) {
	switch {
	case left.total < 0 && right.total < 0:
		left.failures[0].Estimate = parentTotal - parentTotal/2
		right.failures[0].Estimate = parentTotal / 2
	case left.total < 0:
		left.failures[0].Estimate = max(parentTotal-right.total, 0)
	case right.total < 0:
		right.failures[0].Estimate = max(parentTotal-left.total, 0)
	}
}

// fetch performs one bounded fetch while holding a concurrency slot.
func (r *run[T]) fetch(ctx context.Context, rg Range) (Page[T], error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return Page[T]{}, ctx.Err()
	}
	defer func() { <-r.sem }()

	if err := ctx.Err(); err != nil {
		return Page[T]{}, err
	}

	partitionInflight.Inc()
	defer partitionInflight.Dec()

	fetchCtx := ctx
	if r.p.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.p.config.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	page, err := r.p.fetcher.FetchRange(fetchCtx, rg)
	if err != nil {
		return Page[T]{}, err
	}

	switch {
	case page.Total < 0:
		return Page[T]{}, fmt.Errorf("%w: negative total %d", ErrInvalidPage, page.Total)
	case len(page.Items) > r.p.config.Cap:
		return Page[T]{}, fmt.Errorf("%w: %d items exceed cap %d", ErrInvalidPage, len(page.Items), r.p.config.Cap)
	case len(page.Items) > page.Total:
		return Page[T]{}, fmt.Errorf("%w: %d items exceed total %d", ErrInvalidPage, len(page.Items), page.Total)
	}

	r.logger.Debug().
		Int64("range_lo", rg.Lo).
		Int64("range_hi", rg.Hi).
		Int("total", page.Total).
		Int("items", len(page.Items)).
		Dur("duration", time.Since(start)).
		Msg("Fetched range")

	return page, nil
}
