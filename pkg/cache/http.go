package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// cacheableStatus lists the status codes a shared cache may store
// without explicit freshness information from other sources.
var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusFound:                true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// IsCacheableStatus reports whether responses with status may be stored.
func IsCacheableStatus(status int) bool {
	return cacheableStatus[status]
}

// hopByHop are connection-level headers that are never stored.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes connection-level headers from h, including every
// header named in Connection.
func StripHopByHop(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// NewEntry builds an entry for a response generated at now that stays fresh
// for lifetime. ETag and Last-Modified are taken from header.
func NewEntry(status int, header http.Header, body []byte, now time.Time, lifetime time.Duration) *CacheEntry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	StripHopByHop(h)

	entry := &CacheEntry{
		StatusCode:   status,
		Headers:      h,
		Data:         bytes.Clone(body),
		CachedAt:     now,
		Expires:      now.Add(lifetime),
		CacheControl: h.Get("Cache-Control"),
		ETag:         h.Get("ETag"),
	}

	if lastMod := h.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			entry.LastModified = t
		}
	}

	return entry
}

// ResponseToEntry converts an HTTP response to a CacheEntry.
// The response body is restored after reading.
func ResponseToEntry(resp *http.Response, now time.Time, lifetime time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return NewEntry(resp.StatusCode, resp.Header, body, now, lifetime), nil
}

// etagMatches implements the weak comparison used for If-None-Match.
func etagMatches(header, etag string) bool {
	target := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == target {
			return true
		}
	}
	return false
}
