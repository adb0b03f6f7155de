package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies one cacheable representation of a resource.
type CacheKey struct {
	// Method is the upper-cased request method (GET or HEAD)
	Method string

	// Host is the lower-cased request host
	Host string

	// Path is the escaped request path
	Path string

	// Query holds every value of every query parameter
	Query url.Values

	// Vary holds the request header values for the configured vary dimensions
	Vary http.Header

	// Partition separates private entries by credentials ("" for shared entries)
	Partition string
}

// KeyOptions controls how a key is derived from a request.
type KeyOptions struct {
	// VaryHeaders are request headers that select between representations.
	VaryHeaders []string

	// Private partitions the key by the request's Authorization header.
	Private bool
}

// BuildKey derives the cache key for r.
// It returns ErrInvalidCacheKey for malformed requests and for private keys
// requested without credentials.
func BuildKey(r *http.Request, opts KeyOptions) (CacheKey, error) {
	if r == nil || r.URL == nil {
		return CacheKey{}, fmt.Errorf("%w: request has no URL", ErrInvalidCacheKey)
	}
	if r.Method == "" {
		return CacheKey{}, fmt.Errorf("%w: request has no method", ErrInvalidCacheKey)
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	key := CacheKey{
		Method: strings.ToUpper(r.Method),
		Host:   strings.ToLower(host),
		Path:   path,
		Query:  r.URL.Query(),
	}

	if len(opts.VaryHeaders) > 0 {
		key.Vary = make(http.Header, len(opts.VaryHeaders))
		for _, name := range opts.VaryHeaders {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			canonical := http.CanonicalHeaderKey(name)
			values := r.Header.Values(canonical)
			trimmed := make([]string, 0, len(values))
			for _, v := range values {
				trimmed = append(trimmed, strings.TrimSpace(v))
			}
			key.Vary[canonical] = trimmed
		}
	}

	if opts.Private {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if auth == "" {
			return CacheKey{}, fmt.Errorf("%w: private key requires credentials", ErrInvalidCacheKey)
		}
		sum := sha256.Sum256([]byte(auth))
		key.Partition = "priv:" + hex.EncodeToString(sum[:16])
	}

	return key, nil
}

// IsPrivate reports whether the key is partitioned by credentials.
func (k CacheKey) IsPrivate() bool {
	return k.Partition != ""
}

// String generates a deterministic cache key string.
// Format: m=GET|h=host|u=/path|q=a=1&b=2|v=Accept:json|p=priv:abcd
//
// Every component is escaped, so input can never produce the delimiters
// and two distinct keys never render the same string.
func (k CacheKey) String() string {
	var b strings.Builder
	b.Grow(len(k.Method) + len(k.Host) + len(k.Path) + 32)

	b.WriteString("m=")
	b.WriteString(url.QueryEscape(k.Method))
	b.WriteString("|h=")
	b.WriteString(url.QueryEscape(k.Host))
	b.WriteString("|u=")
	b.WriteString(url.QueryEscape(k.Path))

	// url.Values.Encode sorts by key and escapes keys and values
	b.WriteString("|q=")
	b.WriteString(url.QueryEscape(k.Query.Encode()))

	if len(k.Vary) > 0 {
		names := make([]string, 0, len(k.Vary))
		for name := range k.Vary {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := k.Vary[name]
			escaped := make([]string, len(values))
			for i, v := range values {
				escaped[i] = url.QueryEscape(v)
			}
			b.WriteString("|v=")
			b.WriteString(url.QueryEscape(name))
			b.WriteString(":")
			b.WriteString(strings.Join(escaped, ","))
		}
	}

	b.WriteString("|p=")
	b.WriteString(url.QueryEscape(k.Partition))

	return b.String()
}
