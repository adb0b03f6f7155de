package middleware

import (
	"fmt"
	"strings"
	"time"
)

// Forward reasons of the Cache-Status header (RFC 9211).
const (
	// The cache was configured to not handle this request.
	FwdBypass = "bypass"

	// The cache did not contain a response for the request URI.
	FwdURIMiss = "uri-miss"

	// The response was shared from another request's computation.
	FwdMiss = "miss"

	// A stored response existed but the request's directives did not
	// allow its use.
	FwdRequest = "request"
)

// cacheStatus builds the Cache-Status header value for one response.
type cacheStatus struct {
	name      string
	hit       bool
	ttl       time.Duration
	fwd       string
	stored    bool
	collapsed bool
	detail    string
}

func newCacheStatus(name string) *cacheStatus {
	return &cacheStatus{name: name}
}

func (cs *cacheStatus) Hit(ttl time.Duration) {
	cs.hit = true
	cs.ttl = ttl
	cs.fwd = ""
}

func (cs *cacheStatus) Forward(reason string) {
	cs.hit = false
	cs.fwd = reason
}

func (cs *cacheStatus) Stored() {
	cs.stored = true
}

func (cs *cacheStatus) Collapsed() {
	cs.collapsed = true
	cs.fwd = FwdMiss
}

func (cs *cacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *cacheStatus) String() string {
	parts := []string{cs.name}
	if cs.hit {
		parts = append(parts, "hit", fmt.Sprintf("ttl=%d", int64(cs.ttl.Seconds())))
	} else if cs.fwd != "" {
		parts = append(parts, "fwd="+cs.fwd)
	}
	if cs.stored {
		parts = append(parts, "stored")
	}
	if cs.collapsed {
		parts = append(parts, "collapsed")
	}
	if cs.detail != "" {
		parts = append(parts, "detail="+cs.detail)
	}
	return strings.Join(parts, "; ")
}
