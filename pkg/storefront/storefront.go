// Package storefront fetches price-range pages from a shop's HTML search
// page. It reads the reported result count and the listed products with
// CSS selectors and satisfies partition.Fetcher[Listing].
//
// The fetcher does not retry: a failed page becomes a failed sub-range in
// the harvest report.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sternrassler/price-harvester/pkg/partition"
	"github.com/Sternrassler/price-harvester/pkg/ratelimit"
)

var pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_storefront_pages_total",
	Help: "Storefront HTML pages fetched by status",
}, []string{"status"})

var (
	// ErrNoTotal is returned when a page does not state how many results match.
	ErrNoTotal = errors.New("storefront page has no result count")

	// ErrRateLimited is returned when the Limiter blocks a request.
	ErrRateLimited = errors.New("storefront request blocked: rate limit critical")
)

// HTTPStatusError is a non-2xx answer from the storefront.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("storefront %s: status %d", e.URL, e.StatusCode)
}

// Selectors locate the parts of a search result page.
type Selectors struct {
	// Total selects the element stating the result count. The last
	// integer in its text is used, so "Showing 20 of 1,234 results" reads 1234.
	Total string

	// Item selects one element per listed product.
	Item string

	// IDAttr is the attribute on the item element holding the product id.
	IDAttr string

	// Name, Price and Link are evaluated within the item element.
	Name  string
	Price string
	Link  string
}

// DefaultSelectors match a conventional product grid.
func DefaultSelectors() Selectors {
	return Selectors{
		Total:  ".result-count",
		Item:   ".product",
		IDAttr: "data-id",
		Name:   ".name",
		Price:  ".price",
		Link:   "a",
	}
}

// Listing is one product read from a storefront page.
type Listing struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`

	// PriceText is the price as displayed, kept when it cannot be parsed.
	PriceText string `json:"price_text,omitempty"`

	URL string `json:"url,omitempty"`
}

// Config holds the storefront fetcher configuration.
type Config struct {
	BaseURL   string
	Path      string
	MinParam  string
	MaxParam  string
	Query     url.Values
	UserAgent string
	Timeout   time.Duration
	Selectors Selectors

	// Limiter gates requests on X-RateLimit headers. Optional.
	Limiter *ratelimit.Tracker

	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for a "/shop" search page.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Path:      "/shop",
		MinParam:  "minPrice",
		MaxParam:  "maxPrice",
		UserAgent: "price-harvester/1.0",
		Timeout:   30 * time.Second,
		Selectors: DefaultSelectors(),
	}
}

// Fetcher reads storefront search pages.
type Fetcher struct {
	httpClient *http.Client
	endpoint   *url.URL
	config     Config
	logger     zerolog.Logger
}

var _ partition.Fetcher[Listing] = (*Fetcher)(nil)

// New creates a storefront fetcher.
func New(cfg Config) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Selectors.Total == "" || cfg.Selectors.Item == "" {
		return nil, errors.New("total and item selectors are required")
	}
	if cfg.MinParam == "" || cfg.MaxParam == "" {
		return nil, errors.New("min and max parameter names are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "storefront").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		endpoint:   base.JoinPath(cfg.Path),
		config:     cfg,
		logger:     logger,
	}, nil
}

// MaxFetchDuration is the longest a FetchRange call can take: one
// request plus the Limiter's throttle pause.
func (f *Fetcher) MaxFetchDuration() time.Duration {
	d := f.config.Timeout
	if f.config.Limiter != nil {
		d += f.config.Limiter.ThrottleDelay()
	}
	return d
}

// FetchRange requests the search page for r and parses it.
func (f *Fetcher) FetchRange(ctx context.Context, r partition.Range) (partition.Page[Listing], error) {
	if f.config.Limiter != nil {
		allowed, err := f.config.Limiter.ShouldAllowRequest(ctx)
		if err != nil {
			return partition.Page[Listing]{}, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			pagesTotal.WithLabelValues("rate_limited").Inc()
			return partition.Page[Listing]{}, fmt.Errorf("%w: range %s", ErrRateLimited, r)
		}
	}

	u := *f.endpoint
	q := url.Values{}
	for k, v := range f.config.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set(f.config.MinParam, strconv.FormatInt(r.Lo, 10))
	q.Set(f.config.MaxParam, strconv.FormatInt(r.Hi, 10))
	u.RawQuery = q.Encode()
	pageURL := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return partition.Page[Listing]{}, fmt.Errorf("create request: %w", err)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		pagesTotal.WithLabelValues("network_error").Inc()
		return partition.Page[Listing]{}, err
	}
	defer resp.Body.Close()

	pagesTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if f.config.Limiter != nil {
		if err := f.config.Limiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return partition.Page[Listing]{}, &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	page, err := ParsePage(resp.Body, pageURL, f.config.Selectors)
	if err != nil {
		return partition.Page[Listing]{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	f.logger.Debug().
		Stringer("range", r).
		Int("total", page.Total).
		Int("listed", len(page.Items)).
		Msg("Parsed storefront page")

	return page, nil
}

// ParsePage reads the result count and listings from an HTML page.
// Relative links are resolved against pageURL.
func ParsePage(html io.Reader, pageURL string, sel Selectors) (partition.Page[Listing], error) {
	doc, err := goquery.NewDocumentFromReader(html)
	if err != nil {
		return partition.Page[Listing]{}, err
	}

	totalText := doc.Find(sel.Total).First().Text()
	total, ok := lastInt(totalText)
	if !ok {
		return partition.Page[Listing]{}, ErrNoTotal
	}

	var items []Listing
	doc.Find(sel.Item).Each(func(_ int, s *goquery.Selection) {
		item := Listing{}
		if sel.IDAttr != "" {
			item.ID = strings.TrimSpace(s.AttrOr(sel.IDAttr, ""))
		}
		if sel.Name != "" {
			item.Name = normSpace(s.Find(sel.Name).First().Text())
		}
		if sel.Price != "" {
			text := normSpace(s.Find(sel.Price).First().Text())
			if price, err := parsePrice(text); err == nil {
				item.Price = price
			} else {
				item.PriceText = text
			}
		}
		if sel.Link != "" {
			if href, ok := s.Find(sel.Link).First().Attr("href"); ok {
				item.URL = resolveURL(pageURL, href)
			}
		}
		items = append(items, item)
	})

	return partition.Page[Listing]{Total: total, Items: items}, nil
}

// lastInt returns the last run of digits in s, ignoring thousands separators.
func lastInt(s string) (int, bool) {
	var (
		digits  strings.Builder
		last    string
		inDigit bool
	)
	flush := func() {
		if digits.Len() > 0 {
			last = digits.String()
			digits.Reset()
		}
		inDigit = false
	}

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
			inDigit = true
		case r == ',' && inDigit && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9':
			// thousands separator
		default:
			flush()
		}
	}
	flush()

	if last == "" {
		return 0, false
	}
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parsePrice reads "$1,299.00", "EUR 15" or "15.5" as a decimal.
func parsePrice(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return decimal.Decimal{}, fmt.Errorf("no price in %q", s)
	}
	return decimal.NewFromString(b.String())
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
