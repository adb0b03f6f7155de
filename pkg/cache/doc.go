// Package cache provides the response cache store with in-memory, Redis
// and SQLite backends.
//
// The store implements the storage half of an HTTP response cache:
//
// - Deterministic, collision-free cache keys derived from requests
// - At most one concurrent computation per key (request coalescing)
// - Lazy expiry of stale entries
// - Capacity-bounded backends with least-recently-used eviction
// - Write-only metrics through the Metrics interface
//
// # Basic Usage
//
//	// Create backend and store
//	backend := cache.NewMemoryBackend(cache.MemoryConfig{Capacity: 1000})
//	store := cache.NewStore(backend, cache.StoreConfig{})
//
//	// Derive the key from the request
//	key, err := cache.BuildKey(r, cache.KeyOptions{VaryHeaders: []string{"Accept"}})
//	if err != nil {
//		// Malformed request - serve without caching
//	}
//
//	// Compute on miss, share the result with concurrent callers
//	entry, outcome, err := store.ComputeIfAbsent(ctx, key, func(ctx context.Context) (*cache.CacheEntry, cache.Disposition, error) {
//		body := render()
//		return cache.NewEntry(http.StatusOK, header, body, time.Now(), time.Minute), cache.Storable, nil
//	})
//
// # Backends
//
//	// Redis: entries expire through Redis TTLs
//	backend := cache.NewRedisBackend(redisClient, cache.RedisConfig{Capacity: 10000})
//
//	// SQLite: pure Go driver, survives restarts
//	backend, err := cache.NewSQLiteBackend(cache.SQLiteConfig{Path: "cache.db"})
//
// # Conditional Requests
//
//	if entry.NotModified(r) {
//		w.WriteHeader(http.StatusNotModified)
//	}
//
// # Metrics
//
// The store reports these counters through Metrics.IncCounter:
//
//   - lookup, hit, miss, expired - lookups and their results
//   - coalesced - callers that joined an in-flight computation
//   - store, eviction - writes and capacity evictions
//   - compute_error, backend_error - failures
//
// and the compute duration through Metrics.ObserveTimer("compute", d).
package cache
