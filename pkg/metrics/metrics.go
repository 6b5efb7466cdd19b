// Package metrics exposes the Prometheus metrics of a harvest run.
// All metrics are defined in their respective packages (partition, client,
// cache, ratelimit, storefront) and registered via promauto; this package
// serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by all packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Partition Metrics (pkg/partition):
//   - harvest_partition_fetches_total{outcome} (Counter): Range fetches by outcome (leaf, split, overflow, failed)
//   - harvest_partition_overflows_total{reason} (Counter): Ranges over cap that could not be split (single_point, max_depth)
//   - harvest_partition_leaf_depth (Histogram): Bisection depth of accepted leaves
//   - harvest_partition_inflight_fetches (Gauge): Fetches currently holding a concurrency slot
//   - harvest_partition_run_duration_seconds (Histogram): Wall time of FetchAll
//   - harvest_partition_items_total (Counter): Items retrieved
//
// Request Metrics (pkg/client, pkg/storefront):
//   - harvest_requests_total{status} (Counter): Listing API requests by HTTP status
//   - harvest_request_duration_seconds (Histogram): Request duration including retries
//   - harvest_request_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - harvest_request_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//   - harvest_storefront_pages_total{status} (Counter): Storefront HTML pages by status
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total (Counter): Range pages served from cache
//   - harvest_cache_misses_total (Counter): Cache misses
//   - harvest_cache_size_bytes (Counter): Bytes written to the cache
//   - harvest_cache_not_modified_total (Counter): 304 responses served from cache
//   - harvest_cache_conditional_requests_total (Counter): Conditional requests sent
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_rate_limit_remaining (Gauge): Requests left in the API window
//   - harvest_rate_limit_blocks_total (Counter): Requests blocked on an exhausted budget
//   - harvest_rate_limit_throttles_total (Counter): Requests throttled on a low budget
//
// Example Prometheus Queries:
//
//   # Share of fetches that failed
//   sum(rate(harvest_partition_fetches_total{outcome="failed"}[5m])) /
//   sum(rate(harvest_partition_fetches_total[5m]))
//
//   # Cache Hit Rate
//   sum(rate(harvest_cache_hits_total[5m])) /
//   (sum(rate(harvest_cache_hits_total[5m])) + sum(rate(harvest_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
