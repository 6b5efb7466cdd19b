package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_hits_total",
			Help: "Total number of range page cache hits",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_misses_total",
			Help: "Total number of range page cache misses",
		},
	)

	// CacheSize tracks bytes written to the cache
	CacheSize = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_size_bytes",
			Help: "Bytes of range pages written to the cache",
		},
	)

	// NotModifiedResponses tracks 304 responses answered from cache
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_not_modified_total",
			Help: "Total number of 304 Not Modified responses served from cache",
		},
	)

	// ConditionalRequestsSent tracks requests sent with If-None-Match or If-Modified-Since
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_conditional_requests_total",
			Help: "Total number of conditional requests sent",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
