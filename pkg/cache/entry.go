package cache

import (
	"bytes"
	"net/http"
	"time"
)

// CacheEntry represents a cached HTTP response.
// Entries handed out by a Store are copies; mutating them does not affect
// the stored value.
type CacheEntry struct {
	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// CachedAt is when the response was generated
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the cache entry becomes stale
	Expires time.Time `json:"expires"`

	// CacheControl is the directive the response was stored under
	CacheControl string `json:"cache_control,omitempty"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified for conditional requests (If-Modified-Since)
	LastModified time.Time `json:"last_modified"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the entry is stale at now.
// An entry is stale from its Expires instant on.
func (e *CacheEntry) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	return e.TTLAt(time.Now())
}

// TTLAt returns the remaining lifetime at now, never negative.
func (e *CacheEntry) TTLAt(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the response was generated.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CachedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = e.Headers.Clone()
	if e.Data != nil {
		c.Data = bytes.Clone(e.Data)
	}
	return &c
}

// NotModified reports whether r is a conditional request that the entry
// satisfies. If-None-Match takes precedence over If-Modified-Since.
func (e *CacheEntry) NotModified(r *http.Request) bool {
	if e == nil || r == nil {
		return false
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return e.ETag != "" && etagMatches(inm, e.ETag)
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" && !e.LastModified.IsZero() {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !e.LastModified.Truncate(time.Second).After(since)
	}

	return false
}
