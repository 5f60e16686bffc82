// Package cache stores successful API responses in Redis for a short time.
//
// A harvest of one key can span many pages. When a key is retried after a
// transient failure, the pages it already fetched are served from the cache
// as long as the same cursor is requested within the entry's lifetime.
// Cursors are not assumed to stay valid beyond that.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager
//	manager := cache.NewManager(redisClient, cache.WithMaxEntryBytes(1<<20))
//
//	// Create cache key
//	key := cache.Key{
//		Endpoint: "/appreviews/570",
//		Query:    url.Values{"cursor": []string{"*"}},
//	}
//
//	// Get from cache
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from the API
//	}
//
// # HTTP Response Caching
//
//	// Convert HTTP response to cache entry
//	entry, err := cache.ResponseToEntry(resp, cache.DefaultTTL)
//	if err != nil {
//		return err
//	}
//
//	// Store in cache
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - harvest_cache_hits_total - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_written_bytes_total - Encoded bytes written to the cache
//   - harvest_cache_skipped_total{reason} - Responses not cached
//   - harvest_cache_evictions_total{reason} - Entries removed before their TTL
//   - harvest_cache_errors_total{operation} - Cache operation errors
package cache
