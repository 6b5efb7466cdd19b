// Package testutil provides a mock product catalog for testing fetchers.
package testutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paths served by MockCatalog.
const (
	ProductsPath   = "/products"
	StorefrontPath = "/shop"
)

// Listing is one product in the mock catalog.
type Listing struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type rangeFailure struct {
	status    int
	remaining int // <0 fails forever
}

// MockCatalog serves a price-filtered listing API that caps every page,
// as JSON under ProductsPath and as HTML under StorefrontPath.
type MockCatalog struct {
	server *httptest.Server

	mu        sync.RWMutex
	listings  []Listing
	pageCap   int
	handlers  map[string]http.HandlerFunc
	failures  map[[2]int64]*rangeFailure
	etags     bool
	rateLimit *[2]int // remaining, reset seconds

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	Ranges            [][2]int64
}

// NewMockCatalog starts a catalog holding listings that returns at most
// pageCap products per request.
func NewMockCatalog(listings []Listing, pageCap int) *MockCatalog {
	m := &MockCatalog{
		listings: append([]Listing(nil), listings...),
		pageCap:  pageCap,
		handlers: make(map[string]http.HandlerFunc),
		failures: make(map[[2]int64]*rangeFailure),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			m.ConditionalCount++
		}
		handler, exists := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		switch r.URL.Path {
		case ProductsPath:
			m.serveProducts(w, r)
		case StorefrontPath:
			m.serveStorefront(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockCatalog) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCatalog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.Ranges = nil
}

// SetHandler overrides the handler for a path.
func (m *MockCatalog) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockCatalog) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// FailRange makes requests for exactly [lo, hi] answer with status.
// times < 0 fails every request, otherwise only the first times requests.
func (m *MockCatalog) FailRange(lo, hi int64, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[[2]int64{lo, hi}] = &rangeFailure{status: status, remaining: times}
}

// EnableETags adds ETag validators and answers matching If-None-Match
// requests with 304 Not Modified.
func (m *MockCatalog) EnableETags() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etags = true
}

// SetRateLimit adds X-RateLimit-Remaining and X-RateLimit-Reset headers
// to every catalog response.
func (m *MockCatalog) SetRateLimit(remaining, resetSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimit = &[2]int{remaining, resetSeconds}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCatalog) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockCatalog) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// RequestedRanges returns the ranges queried so far, in arrival order.
func (m *MockCatalog) RequestedRanges() [][2]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][2]int64(nil), m.Ranges...)
}

// query resolves the range predicate, applies failure injection and
// returns the matching total and the capped page.
func (m *MockCatalog) query(w http.ResponseWriter, r *http.Request) (int, []Listing, bool) {
	q := r.URL.Query()
	lo, errLo := strconv.ParseInt(q.Get("minPrice"), 10, 64)
	hi, errHi := strconv.ParseInt(q.Get("maxPrice"), 10, 64)
	if errLo != nil || errHi != nil {
		http.Error(w, "minPrice and maxPrice must be integers", http.StatusBadRequest)
		return 0, nil, false
	}

	m.mu.Lock()
	m.Ranges = append(m.Ranges, [2]int64{lo, hi})
	if m.rateLimit != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.rateLimit[0]))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(m.rateLimit[1]))
	}
	if f, ok := m.failures[[2]int64{lo, hi}]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		status := f.status
		m.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return 0, nil, false
	}

	total := 0
	page := make([]Listing, 0, m.pageCap)
	for _, l := range m.listings {
		if l.Price < lo || l.Price > hi {
			continue
		}
		total++
		if len(page) < m.pageCap {
			page = append(page, l)
		}
	}
	m.mu.Unlock()

	return total, page, true
}

func (m *MockCatalog) serveProducts(w http.ResponseWriter, r *http.Request) {
	total, page, ok := m.query(w, r)
	if !ok {
		return
	}

	body, err := json.Marshal(struct {
		Total    int       `json:"total"`
		Products []Listing `json:"products"`
	}{total, page})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	m.write(w, r, body)
}

func (m *MockCatalog) serveStorefront(w http.ResponseWriter, r *http.Request) {
	total, page, ok := m.query(w, r)
	if !ok {
		return
	}

	var b strings.Builder
	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<p class=\"result-count\">Showing %d of %d results</p>\n", len(page), total)
	b.WriteString("<ul class=\"products\">\n")
	for _, l := range page {
		fmt.Fprintf(&b, "<li class=\"product\" data-id=\"%s\"><h2 class=\"name\">%s</h2><span class=\"price\">$%d.00</span></li>\n",
			html.EscapeString(l.ID), html.EscapeString(l.Name), l.Price)
	}
	b.WriteString("</ul>\n</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	m.write(w, r, []byte(b.String()))
}

func (m *MockCatalog) write(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))

	m.mu.RLock()
	etags := m.etags
	m.mu.RUnlock()

	if etags {
		h := fnv.New64a()
		h.Write(body)
		etag := fmt.Sprintf(`"%x"`, h.Sum64())
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":           strconv.Itoa(retryAfterSeconds),
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.Itoa(retryAfterSeconds),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// Sequential builds n listings priced first, first+step, ...
func Sequential(n int, first, step int64) []Listing {
	out := make([]Listing, n)
	for i := range out {
		out[i] = Listing{
			ID:    fmt.Sprintf("p-%04d", i),
			Name:  fmt.Sprintf("Product %d", i),
			Price: first + int64(i)*step,
		}
	}
	return out
}
