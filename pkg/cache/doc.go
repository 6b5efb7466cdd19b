// Package cache stores listing API range pages in Redis.
//
// A harvest run issues one request per visited sub-range, and re-runs over
// the same domain visit mostly the same ranges. The cache manager keeps
// each page until the API's Expires header says it is stale:
//
//   - Expires header respected; DefaultTTL when absent or invalid
//   - ETag / Last-Modified for conditional requests (If-None-Match)
//   - 304 Not Modified refreshes the TTL of the stored page
//   - Deterministic keys built from endpoint and sorted query parameters
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Endpoint: "/products",
//		Query:    url.Values{"minPrice": {"0"}, "maxPrice": {"499"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch the range from the API
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - harvest_cache_hits_total - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_size_bytes - Bytes written to the cache
//   - harvest_cache_not_modified_total - 304 responses served from cache
//   - harvest_cache_conditional_requests_total - Conditional requests sent
//   - harvest_cache_errors_total{operation} - Cache operation errors
package cache
