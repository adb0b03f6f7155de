package cache

import (
	"context"
	"sync"
	"time"
)

// Backend persists cache entries.
//
// Implementations must be safe for concurrent use, must never expose a
// partially written entry, and must evict entries on their own when they
// run out of capacity.
type Backend interface {
	// Get returns the entry for key or ErrCacheMiss.
	Get(ctx context.Context, key string) (*CacheEntry, error)

	// Set stores entry under key. ttl is the remaining lifetime as seen by
	// the caller's clock.
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
}

// EvictionNotifier is implemented by backends that report capacity evictions.
type EvictionNotifier interface {
	OnEvict(fn func(key string))
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// evictHooks is embedded by backends to fan out eviction callbacks.
type evictHooks struct {
	mu    sync.RWMutex
	hooks []func(key string)
}

// OnEvict registers fn to be called after every capacity eviction.
func (h *evictHooks) OnEvict(fn func(key string)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

func (h *evictHooks) notify(keys ...string) {
	if len(keys) == 0 {
		return
	}
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()
	for _, key := range keys {
		for _, fn := range hooks {
			fn(key)
		}
	}
}
