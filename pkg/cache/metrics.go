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
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheBytesWritten tracks encoded bytes stored in Redis
	CacheBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_written_bytes_total",
			Help: "Total encoded bytes written to the response cache",
		},
	)

	// CacheSkipped tracks entries Set declined to store
	CacheSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_skipped_total",
			Help: "Total number of responses not cached, by reason",
		},
		[]string{"reason"}, // "expired", "too_large"
	)

	// CacheEvictions tracks entries removed before their TTL
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_evictions_total",
			Help: "Total number of cache entries removed early, by reason",
		},
		[]string{"reason"}, // "deleted", "expired", "invalid"
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
