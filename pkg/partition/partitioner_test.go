package partition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testItem struct {
	ID    string
	Price int64
}

// fakeCatalog answers range queries from a fixed item set and records
// every range it was asked for.
type fakeCatalog struct {
	items    []testItem
	capacity int
	fail     map[Range]error
	delay    time.Duration

	mu          sync.Mutex
	visited     []Range
	inflight    int
	maxInflight int
}

func (f *fakeCatalog) FetchRange(ctx context.Context, r Range) (Page[testItem], error) {
	f.mu.Lock()
	f.visited = append(f.visited, r)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Page[testItem]{}, ctx.Err()
		}
	}

	if err, ok := f.fail[r]; ok {
		return Page[testItem]{}, err
	}

	var matched []testItem
	for _, it := range f.items {
		if r.Contains(it.Price) {
			matched = append(matched, it)
		}
	}
	items := matched
	if len(items) > f.capacity {
		items = items[:f.capacity]
	}
	return Page[testItem]{Total: len(matched), Items: items}, nil
}

func (f *fakeCatalog) visitedRanges() []Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.visited)
}

func quietConfig(capacity int) Config {
	logger := zerolog.Nop()
	cfg := DefaultConfig(capacity)
	cfg.Logger = &logger
	return cfg
}

func newTestPartitioner[T any](t *testing.T, f Fetcher[T], cfg Config) *Partitioner[T] {
	t.Helper()
	p, err := New(f, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func randomItems(seed int64, n int, lo, hi int64) []testItem {
	rnd := rand.New(rand.NewSource(seed))
	items := make([]testItem, n)
	for i := range items {
		items[i] = testItem{
			ID:    fmt.Sprintf("item-%d", i),
			Price: lo + rnd.Int63n(hi-lo+1),
		}
	}
	return items
}

func maxMultiplicity(items []testItem) int {
	counts := make(map[int64]int)
	m := 0
	for _, it := range items {
		counts[it.Price]++
		m = max(m, counts[it.Price])
	}
	return m
}

func sortedIDs(items []testItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	slices.Sort(ids)
	return ids
}

// assertPartition checks that leaves cover domain without gaps or overlaps.
func assertPartition(t *testing.T, domain Range, leaves []Range) {
	t.Helper()

	if len(leaves) == 0 {
		t.Fatal("no leaves visited")
	}
	sorted := slices.Clone(leaves)
	slices.SortFunc(sorted, compareRanges)

	if sorted[0].Lo != domain.Lo {
		t.Errorf("first leaf starts at %d, want %d", sorted[0].Lo, domain.Lo)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Lo != sorted[i-1].Hi+1 {
			t.Errorf("leaves %v and %v leave a gap or overlap", sorted[i-1], sorted[i])
		}
	}
	if last := sorted[len(sorted)-1]; last.Hi != domain.Hi {
		t.Errorf("last leaf ends at %d, want %d", last.Hi, domain.Hi)
	}
}

// leavesFromVisits derives leaf ranges from the raw fetch log: a visited
// range is internal iff both of its halves were visited as well.
func leavesFromVisits(visited []Range) []Range {
	seen := make(map[Range]bool, len(visited))
	for _, r := range visited {
		seen[r] = true
	}
	var leaves []Range
	for _, r := range visited {
		if !r.IsPoint() {
			left, right := r.Split()
			if seen[left] && seen[right] {
				continue
			}
		}
		leaves = append(leaves, r)
	}
	slices.SortFunc(leaves, compareRanges)
	return leaves
}

func TestNew_Validation(t *testing.T) {
	f := &fakeCatalog{capacity: 1}

	tests := []struct {
		name     string
		fetcher  Fetcher[testItem]
		cfg      Config
		errorMsg string
	}{
		{
			name:    "valid config",
			fetcher: f,
			cfg:     quietConfig(1),
		},
		{
			name:     "nil fetcher",
			fetcher:  nil,
			cfg:      quietConfig(1),
			errorMsg: "fetcher is required",
		},
		{
			name:     "zero cap",
			fetcher:  f,
			cfg:      quietConfig(0),
			errorMsg: "cap must be >= 1 (got 0)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fetcher, tt.cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("New() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("New() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	p := newTestPartitioner[testItem](t, &fakeCatalog{capacity: 1}, Config{Cap: 1})

	cfg := p.Config()
	if cfg.MaxConcurrency != DefaultMaxConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", cfg.MaxConcurrency, DefaultMaxConcurrency)
	}
	if cfg.MaxDepth != DefaultMaxDepth {
		t.Errorf("MaxDepth = %d, want %d", cfg.MaxDepth, DefaultMaxDepth)
	}
}

func TestFetchAll_InvalidDomain(t *testing.T) {
	f := &fakeCatalog{capacity: 2}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	_, err := p.FetchAll(context.Background(), 10, 9)
	if !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("FetchAll() error = %v, want ErrInvalidDomain", err)
	}
	if n := len(f.visitedRanges()); n != 0 {
		t.Errorf("fetches = %d, want 0 before rejecting the domain", n)
	}
}

func TestFetchAll_ConcreteScenario(t *testing.T) {
	totals := map[Range]int{
		{Lo: 0, Hi: 7}: 5,
		{Lo: 0, Hi: 3}: 3,
		{Lo: 4, Hi: 7}: 2,
		{Lo: 0, Hi: 1}: 2,
		{Lo: 2, Hi: 3}: 1,
	}
	const capacity = 2

	var mu sync.Mutex
	var fetched []Range
	fetcher := FetcherFunc[string](func(ctx context.Context, r Range) (Page[string], error) {
		mu.Lock()
		fetched = append(fetched, r)
		mu.Unlock()

		total, ok := totals[r]
		if !ok {
			t.Errorf("unexpected fetch of %v", r)
			return Page[string]{}, errors.New("unexpected range")
		}
		items := make([]string, min(total, capacity))
		for i := range items {
			items[i] = fmt.Sprintf("%v#%d", r, i)
		}
		return Page[string]{Total: total, Items: items}, nil
	})

	p := newTestPartitioner[string](t, fetcher, quietConfig(capacity))
	res, err := p.FetchAll(context.Background(), 0, 7)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if len(fetched) != 5 {
		t.Errorf("fetches = %d (%v), want 5", len(fetched), fetched)
	}
	if res.Report.Fetches != 5 {
		t.Errorf("Report.Fetches = %d, want 5", res.Report.Fetches)
	}
	if len(res.Items) != 5 {
		t.Errorf("items = %d, want 5", len(res.Items))
	}
	if len(res.Report.Failures) != 0 {
		t.Errorf("failures = %v, want none", res.Report.Failures)
	}

	wantLeaves := []Range{{Lo: 0, Hi: 1}, {Lo: 2, Hi: 3}, {Lo: 4, Hi: 7}}
	if !slices.Equal(res.Report.Leaves, wantLeaves) {
		t.Errorf("leaves = %v, want %v", res.Report.Leaves, wantLeaves)
	}

	// items from the truncated [0, 3] page must not leak into the result
	for _, it := range res.Items {
		if strings.HasPrefix(it, "[0, 3]") || strings.HasPrefix(it, "[0, 7]") {
			t.Errorf("item %q comes from an overflowing page", it)
		}
	}
}

func TestFetchAll_CoveragePartition(t *testing.T) {
	tests := []struct {
		name     string
		domain   Range
		capacity int
		items    int
	}{
		{name: "small domain cap 1", domain: Range{Lo: 0, Hi: 15}, capacity: 1, items: 12},
		{name: "price domain cap 10", domain: Range{Lo: 0, Hi: 100000}, capacity: 10, items: 500},
		{name: "negative domain", domain: Range{Lo: -500, Hi: 499}, capacity: 7, items: 200},
		{name: "odd width", domain: Range{Lo: 3, Hi: 1002}, capacity: 3, items: 90},
		{name: "single point domain", domain: Range{Lo: 42, Hi: 42}, capacity: 5, items: 3},
		{name: "empty catalog", domain: Range{Lo: 0, Hi: 1000}, capacity: 5, items: 0},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCatalog{
				items:    randomItems(int64(i+1), tt.items, tt.domain.Lo, tt.domain.Hi),
				capacity: tt.capacity,
			}
			p := newTestPartitioner[testItem](t, f, quietConfig(tt.capacity))

			res, err := p.FetchAll(context.Background(), tt.domain.Lo, tt.domain.Hi)
			if err != nil {
				t.Fatalf("FetchAll() error = %v", err)
			}

			assertPartition(t, tt.domain, res.Report.Leaves)

			visited := f.visitedRanges()
			if len(visited) != res.Report.Fetches {
				t.Errorf("fetcher saw %d calls, report says %d", len(visited), res.Report.Fetches)
			}
			fromVisits := leavesFromVisits(visited)
			assertPartition(t, tt.domain, fromVisits)
			if !slices.Equal(fromVisits, res.Report.Leaves) {
				t.Errorf("leaves derived from fetch log %v differ from report %v", fromVisits, res.Report.Leaves)
			}
		})
	}
}

func TestFetchAll_CorrectnessUnderCap(t *testing.T) {
	items := randomItems(7, 300, 0, 5000)
	floor := maxMultiplicity(items)
	want := sortedIDs(items)

	for _, capacity := range []int{floor, floor + 1, 5, 17, 64, 299, 300, 1000} {
		if capacity < floor {
			continue
		}
		t.Run(fmt.Sprintf("cap_%d", capacity), func(t *testing.T) {
			f := &fakeCatalog{items: items, capacity: capacity}
			p := newTestPartitioner[testItem](t, f, quietConfig(capacity))

			res, err := p.FetchAll(context.Background(), 0, 5000)
			if err != nil {
				t.Fatalf("FetchAll() error = %v", err)
			}
			if !res.Report.Complete() {
				t.Fatalf("report not complete: %+v", res.Report)
			}
			if got := sortedIDs(res.Items); !slices.Equal(got, want) {
				t.Errorf("got %d items, want %d (multisets differ)", len(got), len(want))
			}
		})
	}
}

func TestFetchAll_CapOneUniquePrices(t *testing.T) {
	var items []testItem
	for p := int64(0); p < 64; p += 3 {
		items = append(items, testItem{ID: fmt.Sprintf("p%d", p), Price: p})
	}
	f := &fakeCatalog{items: items, capacity: 1}
	p := newTestPartitioner[testItem](t, f, quietConfig(1))

	res, err := p.FetchAll(context.Background(), 0, 63)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if got, want := sortedIDs(res.Items), sortedIDs(items); !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
}

func TestFetchAll_SinglePointOverflowTerminates(t *testing.T) {
	const capacity = 2

	// every single-point range reports cap+1 items
	fetcher := FetcherFunc[testItem](func(ctx context.Context, r Range) (Page[testItem], error) {
		total := int(r.Len()) * (capacity + 1)
		items := make([]testItem, capacity)
		for i := range items {
			items[i] = testItem{ID: fmt.Sprintf("%d-%d", r.Lo, i), Price: r.Lo}
		}
		return Page[testItem]{Total: total, Items: items}, nil
	})

	p := newTestPartitioner[testItem](t, fetcher, quietConfig(capacity))

	done := make(chan struct{})
	var res Result[testItem]
	var err error
	go func() {
		defer close(done)
		res, err = p.FetchAll(context.Background(), 0, 3)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FetchAll() did not terminate on single-point overflow")
	}
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if len(res.Report.Overflows) != 4 {
		t.Fatalf("overflows = %d, want 4", len(res.Report.Overflows))
	}
	for i, o := range res.Report.Overflows {
		want := Range{Lo: int64(i), Hi: int64(i)}
		if o.Range != want {
			t.Errorf("overflow[%d].Range = %v, want %v", i, o.Range, want)
		}
		if o.Total != capacity+1 || o.Cap != capacity {
			t.Errorf("overflow[%d] total/cap = %d/%d, want %d/%d", i, o.Total, o.Cap, capacity+1, capacity)
		}
		if o.Reason != OverflowSinglePoint {
			t.Errorf("overflow[%d].Reason = %s, want %s", i, o.Reason, OverflowSinglePoint)
		}
		if o.Missing() != 1 {
			t.Errorf("overflow[%d].Missing() = %d, want 1", i, o.Missing())
		}
	}
	if len(res.Items) != 4*capacity {
		t.Errorf("items = %d, want %d capped items", len(res.Items), 4*capacity)
	}
	if len(res.Report.Failures) != 0 {
		t.Errorf("failures = %v, want none", res.Report.Failures)
	}
	assertPartition(t, Range{Lo: 0, Hi: 3}, res.Report.Leaves)
}

func TestFetchAll_SinglePointOverflowAmongNormalItems(t *testing.T) {
	items := []testItem{
		{ID: "a", Price: 1},
		{ID: "b", Price: 5},
		{ID: "c", Price: 5},
		{ID: "d", Price: 5},
		{ID: "e", Price: 9},
	}
	f := &fakeCatalog{items: items, capacity: 2}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	res, err := p.FetchAll(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if len(res.Report.Overflows) != 1 {
		t.Fatalf("overflows = %v, want exactly one", res.Report.Overflows)
	}
	if o := res.Report.Overflows[0]; o.Range != (Range{Lo: 5, Hi: 5}) || o.Total != 3 {
		t.Errorf("overflow = %+v, want [5, 5] with total 3", o)
	}
	if got, want := sortedIDs(res.Items), []string{"a", "b", "c", "e"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if res.Report.Complete() {
		t.Error("Complete() = true, want false with an overflow")
	}
}

func TestFetchAll_FailureIsolation(t *testing.T) {
	var items []testItem
	for p := int64(0); p <= 7; p++ {
		items = append(items, testItem{ID: fmt.Sprintf("p%d", p), Price: p})
	}
	failed := Range{Lo: 4, Hi: 7}
	f := &fakeCatalog{
		items:    items,
		capacity: 2,
		fail:     map[Range]error{failed: errors.New("upstream 503")},
	}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	res, err := p.FetchAll(context.Background(), 0, 7)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if len(res.Report.Failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", res.Report.Failures)
	}
	failure := res.Report.Failures[0]
	if failure.Range != failed {
		t.Errorf("failure.Range = %v, want %v", failure.Range, failed)
	}
	if failure.Cause != "upstream 503" {
		t.Errorf("failure.Cause = %q, want %q", failure.Cause, "upstream 503")
	}
	// parent [0, 7] reported 8, sibling [0, 3] reported 4
	if failure.Estimate != 4 {
		t.Errorf("failure.Estimate = %d, want 4", failure.Estimate)
	}

	if got, want := sortedIDs(res.Items), []string{"p0", "p1", "p2", "p3"}; !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	assertPartition(t, Range{Lo: 0, Hi: 7}, res.Report.Leaves)

	summary := res.Summary()
	if summary.FailedRanges != 1 || summary.FailedEstimate != 4 || summary.Retrieved != 4 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestFetchAll_RootFailure(t *testing.T) {
	cause := errors.New("connection refused")
	f := &fakeCatalog{
		capacity: 2,
		fail:     map[Range]error{{Lo: 0, Hi: 100}: cause},
	}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	res, err := p.FetchAll(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("FetchAll() error = %v, want failures reported in the Report", err)
	}
	if len(res.Report.Failures) != 1 {
		t.Fatalf("failures = %v, want one", res.Report.Failures)
	}
	if !errors.Is(&res.Report.Failures[0], cause) {
		t.Error("failure does not unwrap to its cause")
	}
	if res.Report.Failures[0].Estimate != -1 {
		t.Errorf("Estimate = %d, want -1 for a failed root", res.Report.Failures[0].Estimate)
	}
	if res.Summary().UnknownFailures != 1 {
		t.Errorf("UnknownFailures = %d, want 1", res.Summary().UnknownFailures)
	}
}

func TestFetchAll_BothHalvesFail(t *testing.T) {
	items := randomItems(3, 10, 0, 7)
	f := &fakeCatalog{
		items:    items,
		capacity: 2,
		fail: map[Range]error{
			{Lo: 0, Hi: 3}: errors.New("boom"),
			{Lo: 4, Hi: 7}: errors.New("boom"),
		},
	}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	res, err := p.FetchAll(context.Background(), 0, 7)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(res.Report.Failures) != 2 {
		t.Fatalf("failures = %v, want two", res.Report.Failures)
	}
	if got := res.Summary().FailedEstimate; got != 10 {
		t.Errorf("FailedEstimate = %d, want parent total 10", got)
	}
	if len(res.Items) != 0 {
		t.Errorf("items = %d, want 0", len(res.Items))
	}
}

func TestFetchAll_ReportSortedByRange(t *testing.T) {
	items := []testItem{
		{ID: "a", Price: 3}, {ID: "b", Price: 3}, {ID: "c", Price: 3},
		{ID: "d", Price: 6},
		{ID: "e", Price: 9},
		{ID: "f", Price: 12}, {ID: "g", Price: 12}, {ID: "h", Price: 12},
	}
	f := &fakeCatalog{
		items:    items,
		capacity: 2,
		delay:    time.Millisecond,
		fail: map[Range]error{
			{Lo: 4, Hi: 7}:  errors.New("boom"),
			{Lo: 8, Hi: 11}: errors.New("boom"),
		},
	}
	cfg := quietConfig(2)
	cfg.MaxConcurrency = 8
	p := newTestPartitioner[testItem](t, f, cfg)

	res, err := p.FetchAll(context.Background(), 0, 15)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	report := res.Report

	if !slices.IsSortedFunc(report.Leaves, compareRanges) {
		t.Errorf("leaves not sorted: %v", report.Leaves)
	}

	wantFailed := []Range{{Lo: 4, Hi: 7}, {Lo: 8, Hi: 11}}
	if got := report.FailedRanges(); !slices.Equal(got, wantFailed) {
		t.Errorf("FailedRanges() = %v, want %v", got, wantFailed)
	}

	var overflowed []Range
	for _, o := range report.Overflows {
		overflowed = append(overflowed, o.Range)
	}
	wantOverflowed := []Range{{Lo: 3, Hi: 3}, {Lo: 12, Hi: 12}}
	if !slices.Equal(overflowed, wantOverflowed) {
		t.Errorf("overflows = %v, want %v", overflowed, wantOverflowed)
	}
}

func TestFetchAll_Idempotence(t *testing.T) {
	items := randomItems(11, 400, 0, 10000)
	f := &fakeCatalog{
		items:    items,
		capacity: 8,
		fail: map[Range]error{
			{Lo: 5001, Hi: 7500}: errors.New("bad gateway"),
		},
	}
	cfg := quietConfig(8)
	cfg.MaxConcurrency = 16
	p := newTestPartitioner[testItem](t, f, cfg)

	first, err := p.FetchAll(context.Background(), 0, 10000)
	if err != nil {
		t.Fatalf("first FetchAll() error = %v", err)
	}
	second, err := p.FetchAll(context.Background(), 0, 10000)
	if err != nil {
		t.Fatalf("second FetchAll() error = %v", err)
	}

	if !slices.Equal(sortedIDs(first.Items), sortedIDs(second.Items)) {
		t.Error("item sets differ between runs")
	}
	if !slices.Equal(first.Report.Leaves, second.Report.Leaves) {
		t.Error("leaves differ between runs")
	}
	if !slices.Equal(first.Report.FailedRanges(), second.Report.FailedRanges()) {
		t.Errorf("failed ranges differ: %v vs %v", first.Report.FailedRanges(), second.Report.FailedRanges())
	}
	if first.Summary() != second.Summary() {
		t.Errorf("summaries differ: %+v vs %+v", first.Summary(), second.Summary())
	}
	if len(first.Report.Failures) != 1 {
		t.Errorf("failures = %d, want 1", len(first.Report.Failures))
	}
	if first.Report.RunID == second.Report.RunID {
		t.Error("runs share a run ID")
	}
}

func TestFetchAll_MaxDepthGuard(t *testing.T) {
	items := randomItems(5, 10, 0, 9)
	f := &fakeCatalog{items: items, capacity: 1}
	cfg := quietConfig(1)
	cfg.MaxDepth = 2
	p := newTestPartitioner[testItem](t, f, cfg)

	res, err := p.FetchAll(context.Background(), 0, 1023)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if res.Report.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", res.Report.MaxDepth)
	}
	if len(res.Report.Overflows) != 1 {
		t.Fatalf("overflows = %v, want one", res.Report.Overflows)
	}
	o := res.Report.Overflows[0]
	if o.Reason != OverflowMaxDepth {
		t.Errorf("Reason = %s, want %s", o.Reason, OverflowMaxDepth)
	}
	if o.Range != (Range{Lo: 0, Hi: 255}) {
		t.Errorf("Range = %v, want [0, 255]", o.Range)
	}
	assertPartition(t, Range{Lo: 0, Hi: 1023}, res.Report.Leaves)
}

func TestFetchAll_FullInt64Domain(t *testing.T) {
	items := []testItem{
		{ID: "min", Price: math.MinInt64},
		{ID: "zero", Price: 0},
		{ID: "one", Price: 1},
		{ID: "max", Price: math.MaxInt64},
	}
	f := &fakeCatalog{items: items, capacity: 1}
	p := newTestPartitioner[testItem](t, f, quietConfig(1))

	res, err := p.FetchAll(context.Background(), math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if !res.Report.Complete() {
		t.Fatalf("report not complete: failures=%v overflows=%v", res.Report.Failures, res.Report.Overflows)
	}
	if got, want := sortedIDs(res.Items), sortedIDs(items); !slices.Equal(got, want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	assertPartition(t, Range{Lo: math.MinInt64, Hi: math.MaxInt64}, res.Report.Leaves)
}

func TestFetchAll_ConcurrencyBound(t *testing.T) {
	f := &fakeCatalog{
		items:    randomItems(13, 200, 0, 4095),
		capacity: 4,
		delay:    2 * time.Millisecond,
	}
	cfg := quietConfig(4)
	cfg.MaxConcurrency = 3
	p := newTestPartitioner[testItem](t, f, cfg)

	if _, err := p.FetchAll(context.Background(), 0, 4095); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxInflight > 3 {
		t.Errorf("max in-flight fetches = %d, want <= 3", f.maxInflight)
	}
	if f.maxInflight < 2 {
		t.Errorf("max in-flight fetches = %d, want sibling ranges fetched in parallel", f.maxInflight)
	}
}

func TestFetchAll_Cancelled(t *testing.T) {
	f := &fakeCatalog{items: randomItems(17, 50, 0, 100), capacity: 2}
	p := newTestPartitioner[testItem](t, f, quietConfig(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.FetchAll(ctx, 0, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("FetchAll() error = %v, want context.Canceled", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("items = %d, want 0", len(res.Items))
	}
	if len(res.Report.Failures) != 1 || !errors.Is(&res.Report.Failures[0], context.Canceled) {
		t.Errorf("failures = %v, want the root cancelled", res.Report.Failures)
	}
	assertPartition(t, Range{Lo: 0, Hi: 100}, res.Report.Leaves)
}

func TestFetchAll_CancelledMidRun(t *testing.T) {
	f := &fakeCatalog{
		items:    randomItems(19, 500, 0, 100000),
		capacity: 2,
		delay:    5 * time.Millisecond,
	}
	cfg := quietConfig(2)
	cfg.MaxConcurrency = 2
	p := newTestPartitioner[testItem](t, f, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := p.FetchAll(ctx, 0, 100000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("FetchAll() error = %v, want context.DeadlineExceeded", err)
	}
	if len(res.Report.Failures) == 0 {
		t.Error("expected unwound branches to be reported as failures")
	}
	// cancelled branches are still leaves, so coverage stays exact
	assertPartition(t, Range{Lo: 0, Hi: 100000}, res.Report.Leaves)

	seen := make(map[string]bool)
	for _, it := range res.Items {
		if seen[it.ID] {
			t.Errorf("item %s returned twice", it.ID)
		}
		seen[it.ID] = true
	}
}

func TestFetchAll_InvalidPage(t *testing.T) {
	fetcher := FetcherFunc[int](func(ctx context.Context, r Range) (Page[int], error) {
		if r == (Range{Lo: 6, Hi: 10}) {
			return Page[int]{Total: 1, Items: []int{1, 2, 3}}, nil
		}
		if r.IsPoint() || r.Len() <= 5 {
			return Page[int]{Total: 0}, nil
		}
		return Page[int]{Total: 10, Items: []int{0, 0}}, nil
	})
	p := newTestPartitioner[int](t, fetcher, quietConfig(2))

	res, err := p.FetchAll(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(res.Report.Failures) != 1 {
		t.Fatalf("failures = %v, want one", res.Report.Failures)
	}
	if !errors.Is(&res.Report.Failures[0], ErrInvalidPage) {
		t.Errorf("failure = %v, want ErrInvalidPage", res.Report.Failures[0].Err)
	}
}
