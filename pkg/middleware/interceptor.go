// Package middleware provides the caching interceptor that sits between
// the HTTP transport and a resource-serving handler.
//
// For every request the interceptor decides whether a stored response can
// be served. Otherwise it runs the handler once per cache key, buffers the
// response, applies the configured Cache-Control directive, normalizes
// singleton headers and decides whether the result is stored.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/response-cache/pkg/cache"
	"github.com/Sternrassler/response-cache/pkg/headers"
	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/Sternrassler/response-cache/pkg/policy"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxBodyBytes is the largest body stored by default.
	DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

	// DefaultName identifies the cache in the Cache-Status header.
	DefaultName = "response-cache"
)

// Response is a fully buffered handler response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResponseFunc produces the response for a request.
// It is the non-streaming alternative to http.Handler.
type ResponseFunc func(r *http.Request) (*Response, error)

// ErrorHandler writes the response for a failed handler invocation.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Config holds the interceptor configuration.
type Config struct {
	// Store holds cached responses (required).
	Store *cache.Store

	// Mapper assigns Cache-Control directives by path. Without a mapping
	// the handler's own Cache-Control header decides.
	Mapper *policy.Mapper

	// Normalizer enforces singleton headers (default: Date only).
	Normalizer *headers.Normalizer

	// VaryHeaders are the request headers responses may vary on.
	VaryHeaders []string

	// MaxBodyBytes bounds stored bodies; larger responses are served but
	// not stored. 0 selects DefaultMaxBodyBytes, negative disables the limit.
	MaxBodyBytes int64

	// ErrorHandler handles handler failures (default: log and 500).
	ErrorHandler ErrorHandler

	// Logger overrides the default component logger.
	Logger *zerolog.Logger

	// Name is reported in the Cache-Status header (default: DefaultName).
	Name string

	// Now is the clock (default: the store's clock).
	Now func() time.Time
}

// Interceptor is the caching HTTP middleware.
type Interceptor struct {
	store        *cache.Store
	mapper       *policy.Mapper
	normalizer   *headers.Normalizer
	varyHeaders  []string
	varySet      map[string]struct{}
	maxBodyBytes int64
	errorHandler ErrorHandler
	logger       zerolog.Logger
	name         string
	now          func() time.Time
}

// New creates an Interceptor.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}

	i := &Interceptor{
		store:        cfg.Store,
		mapper:       cfg.Mapper,
		normalizer:   cfg.Normalizer,
		maxBodyBytes: cfg.MaxBodyBytes,
		errorHandler: cfg.ErrorHandler,
		logger:       logging.NewLogger("interceptor"),
		name:         cfg.Name,
		now:          cfg.Now,
		varySet:      make(map[string]struct{}, len(cfg.VaryHeaders)),
	}

	if cfg.Logger != nil {
		i.logger = *cfg.Logger
	}
	if i.normalizer == nil {
		i.normalizer = headers.NewNormalizer()
	}
	if i.maxBodyBytes == 0 {
		i.maxBodyBytes = DefaultMaxBodyBytes
	}
	if i.name == "" {
		i.name = DefaultName
	}
	if i.now == nil {
		i.now = cfg.Store.Now
	}
	if i.errorHandler == nil {
		i.errorHandler = i.defaultErrorHandler
	}

	for _, name := range cfg.VaryHeaders {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := i.varySet[name]; dup {
			continue
		}
		i.varySet[name] = struct{}{}
		i.varyHeaders = append(i.varyHeaders, name)
	}

	return i, nil
}

// Handler wraps next with the cache. next runs against a buffer; its
// output reaches the client only once the response is complete.
func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return i.HandlerFunc(captureHandler(next))
}

// HandlerFunc serves fn through the cache.
func (i *Interceptor) HandlerFunc(fn ResponseFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.serve(i.normalizer.Wrap(w), r, fn)
	})
}

func (i *Interceptor) serve(w http.ResponseWriter, r *http.Request, fn ResponseFunc) {
	status := newCacheStatus(i.name)
	mapped, hasMapping := i.mapper.Map(r.URL.Path)
	reqDirective := requestDirective(r)

	if !cacheableMethod(r.Method) || reqDirective.NoStore || (hasMapping && mapped.NoStore) {
		status.Forward(FwdBypass)
		i.bypass(w, r, fn, mapped, hasMapping, status)
		return
	}

	key, err := cache.BuildKey(r, cache.KeyOptions{
		VaryHeaders: i.varyHeaders,
		Private:     hasMapping && mapped.Private,
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Cache key unavailable, bypassing cache")
		status.Forward(FwdBypass)
		i.bypass(w, r, fn, mapped, hasMapping, status)
		return
	}

	coalesce := i.store.Coalesce
	if noCache(r, reqDirective) {
		status.Forward(FwdRequest)
	} else if entry, ok := i.store.Lookup(r.Context(), key); ok {
		if i.usable(entry, reqDirective) {
			status.Hit(entry.TTLAt(i.now()))
			i.logger.Debug().Str("key", key.String()).Msg("Serving cached response")
			i.write(w, r, entry, status, true)
			return
		}
		status.Forward(FwdRequest)
	} else {
		status.Forward(FwdURIMiss)
		coalesce = i.store.CoalesceMissing
	}

	if reqDirective.OnlyIfCached {
		status.Detail("only-if-cached")
		w.Header().Set("Cache-Status", status.String())
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	compute := i.compute(r, fn, key, mapped, hasMapping)
	entry, outcome, err := coalesce(r.Context(), key, compute)
	if err == nil && outcome.Hit {
		if i.usable(entry, reqDirective) {
			status.Hit(entry.TTLAt(i.now()))
			i.write(w, r, entry, status, true)
			return
		}
		status.Forward(FwdRequest)
		entry, outcome, err = i.store.Coalesce(r.Context(), key, compute)
	}
	if err != nil {
		i.fail(w, r, err)
		return
	}
	if outcome.Coalesced {
		status.Collapsed()
	}
	if outcome.Stored {
		status.Stored()
	}
	i.write(w, r, entry, status, false)
}

// compute runs fn for a cache miss and turns its response into an entry.
// It executes on the store's computation goroutine.
func (i *Interceptor) compute(r *http.Request, fn ResponseFunc, key cache.CacheKey, mapped policy.Directive, hasMapping bool) cache.ComputeFunc {
	return func(ctx context.Context) (*cache.CacheEntry, cache.Disposition, error) {
		resp, err := fn(r.Clone(ctx))
		if err != nil {
			return nil, cache.Shareable, err
		}
		if resp == nil {
			return nil, cache.Shareable, fmt.Errorf("handler returned no response")
		}

		now := i.now()
		header := i.prepareHeader(resp, mapped, hasMapping)

		directive, err := i.responseDirective(header, mapped, hasMapping)
		if err != nil {
			i.logger.Debug().Err(err).Str("key", key.String()).Msg("Unparseable Cache-Control, not storing")
		}
		lifetime, _ := directive.Lifetime()

		entry := cache.NewEntry(statusCode(resp), header, resp.Body, now, lifetime)
		if _, ok := header["Date"]; !ok {
			entry.Headers.Set("Date", now.UTC().Format(http.TimeFormat))
		}

		return entry, i.disposition(key, directive, err == nil, entry), nil
	}
}

// bypass runs fn without consulting or filling the cache.
func (i *Interceptor) bypass(w http.ResponseWriter, r *http.Request, fn ResponseFunc, mapped policy.Directive, hasMapping bool, status *cacheStatus) {
	resp, err := fn(r)
	if err != nil {
		i.fail(w, r, err)
		return
	}
	if resp == nil {
		i.fail(w, r, fmt.Errorf("handler returned no response"))
		return
	}

	header := i.prepareHeader(resp, mapped, hasMapping)
	cache.StripHopByHop(header)

	dst := w.Header()
	for name, values := range header {
		for _, v := range values {
			i.normalizer.Add(dst, name, v)
		}
	}
	dst.Set("Cache-Status", status.String())
	w.WriteHeader(statusCode(resp))
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// prepareHeader applies the mapped directive and the singleton rule to a
// copy of the handler's headers.
func (i *Interceptor) prepareHeader(resp *Response, mapped policy.Directive, hasMapping bool) http.Header {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if hasMapping {
		header.Set("Cache-Control", mapped.String())
	}
	i.normalizer.Normalize(header)
	return header
}

// responseDirective returns the directive governing storage.
// A mapped directive overrides whatever the handler declared.
func (i *Interceptor) responseDirective(header http.Header, mapped policy.Directive, hasMapping bool) (policy.Directive, error) {
	if hasMapping {
		return mapped, nil
	}
	return policy.ParseDirective(strings.Join(header.Values("Cache-Control"), ", "))
}

// disposition decides whether a computed entry may be shared with
// coalesced requests and persisted. Responses addressed to one client are
// neither, unless the key is already partitioned by credentials.
func (i *Interceptor) disposition(key cache.CacheKey, d policy.Directive, parsed bool, entry *cache.CacheEntry) cache.Disposition {
	reason := ""
	switch {
	case !i.varyCovered(entry.Headers):
		reason = "vary"
	case key.IsPrivate():
	case !parsed:
		reason = "cache-control"
	case entry.Headers.Get("Set-Cookie") != "":
		reason = "set-cookie"
	case d.Private:
		reason = "private"
	}
	if reason != "" {
		i.logger.Debug().Str("key", key.String()).Str("reason", reason).Msg("Response not shared")
		return cache.Unshareable
	}

	switch {
	case !d.Storable():
		reason = "directive"
	case !cache.IsCacheableStatus(entry.StatusCode):
		reason = "status"
	case i.maxBodyBytes > 0 && int64(len(entry.Data)) > i.maxBodyBytes:
		reason = "body size"
	}
	if reason != "" {
		i.logger.Debug().Str("key", key.String()).Str("reason", reason).Msg("Response not stored")
		return cache.Shareable
	}
	return cache.Storable
}

// varyCovered reports whether every name in the response's Vary header is
// part of the key.
func (i *Interceptor) varyCovered(h http.Header) bool {
	for _, value := range h.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == "*" {
				return false
			}
			if _, ok := i.varySet[http.CanonicalHeaderKey(name)]; !ok {
				return false
			}
		}
	}
	return true
}

// usable applies the request's freshness constraints to a stored entry.
func (i *Interceptor) usable(entry *cache.CacheEntry, d policy.Directive) bool {
	now := i.now()
	if d.MaxAge != nil && entry.Age(now) > *d.MaxAge {
		return false
	}
	if d.MinFresh != nil && entry.TTLAt(now) < *d.MinFresh {
		return false
	}
	return true
}

// write sends entry to the client.
func (i *Interceptor) write(w http.ResponseWriter, r *http.Request, entry *cache.CacheEntry, status *cacheStatus, hit bool) {
	dst := w.Header()
	for name, values := range entry.Headers {
		for _, v := range values {
			i.normalizer.Add(dst, name, v)
		}
	}

	// the stored response keeps its original generation time
	i.normalizer.Add(dst, "Date", entry.CachedAt.UTC().Format(http.TimeFormat))
	if hit {
		dst.Set("Age", strconv.FormatInt(int64(entry.Age(i.now()).Seconds()), 10))
	}
	dst.Set("Cache-Status", status.String())

	if entry.StatusCode == http.StatusOK && entry.NotModified(r) {
		dst.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(entry.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Data)
	}
}

func (i *Interceptor) fail(w http.ResponseWriter, r *http.Request, err error) {
	var panicErr *cache.PanicError
	if errors.As(err, &panicErr) && panicErr.Value == http.ErrAbortHandler {
		panic(http.ErrAbortHandler)
	}
	i.errorHandler(w, r, err)
}

func (i *Interceptor) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	i.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler failed")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func cacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// requestDirective parses the request's Cache-Control header.
// Malformed request directives are ignored.
func requestDirective(r *http.Request) policy.Directive {
	d, err := policy.ParseDirective(strings.Join(r.Header.Values("Cache-Control"), ", "))
	if err != nil {
		return policy.Directive{}
	}
	return d
}

func noCache(r *http.Request, d policy.Directive) bool {
	if d.NoCache {
		return true
	}
	// Pragma only applies when Cache-Control is absent
	return r.Header.Get("Cache-Control") == "" && strings.Contains(strings.ToLower(r.Header.Get("Pragma")), "no-cache")
}

func statusCode(resp *Response) int {
	if resp.StatusCode == 0 {
		return http.StatusOK
	}
	return resp.StatusCode
}
