// Package origin forwards requests to the upstream application behind the
// cache, with retry and error classification.
package origin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/response-cache/pkg/cache"
	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/Sternrassler/response-cache/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for origin requests.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "origin_requests_total",
		Help: "Total origin requests by status",
	}, []string{"status"})

	originRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "origin_request_duration_seconds",
		Help:    "Origin request duration in seconds, retries included",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

// DefaultTimeout bounds a single upstream attempt.
const DefaultTimeout = 30 * time.Second

// Config holds the forwarder configuration.
type Config struct {
	// BaseURL of the upstream application (required).
	BaseURL string

	// Timeout per attempt (default: DefaultTimeout).
	Timeout time.Duration

	// Retry overrides the per-class retry defaults when set.
	Retry RetryConfig

	// UserAgent is sent when the client did not send one.
	UserAgent string

	// HTTPClient replaces the default client.
	HTTPClient *http.Client

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Forwarder sends requests to the origin and buffers the responses.
type Forwarder struct {
	base       *url.URL
	httpClient *http.Client
	retry      RetryConfig
	userAgent  string
	logger     zerolog.Logger
}

// New creates a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("origin base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin url must be http or https (got %q)", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("origin url has no host (got %q)", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
			// redirects belong to the client, not the cache
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	f := &Forwarder{
		base:       base,
		httpClient: httpClient,
		retry:      cfg.Retry,
		userAgent:  cfg.UserAgent,
		logger:     logging.NewLogger("origin"),
	}
	if cfg.Logger != nil {
		f.logger = *cfg.Logger
	}
	return f, nil
}

// Fetch forwards r to the origin and returns the buffered response.
// It implements middleware.ResponseFunc.
//
// Idempotent requests are retried on network errors, 429 and 5xx. When
// retries run out on an error status, the last upstream response is
// returned as is; only exhausted network failures surface as errors.
func (f *Forwarder) Fetch(r *http.Request) (*middleware.Response, error) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		originRequestDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := readBody(r)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	idempotent := isIdempotent(r.Method)
	var result *middleware.Response

	attempt := func() (ErrorClass, error) {
		result = nil

		req, err := f.newRequest(ctx, r, body)
		if err != nil {
			return "", fmt.Errorf("create origin request: %w", err)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			originRequestsTotal.WithLabelValues("network_error").Inc()
			return f.networkClass(idempotent), &OriginError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        err,
			}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			originRequestsTotal.WithLabelValues("network_error").Inc()
			return f.networkClass(idempotent), &OriginError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}

		originRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		result = &middleware.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       data,
		}

		errClass := classifyStatus(resp.StatusCode)
		if idempotent && shouldRetry(errClass) {
			f.logger.Debug().
				Str("path", r.URL.Path).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Origin returned retryable status")
			return errClass, &OriginError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Message:    resp.Status,
			}
		}
		return "", nil
	}

	if err := f.retryWithBackoff(ctx, f.retry, attempt); err != nil {
		if result != nil {
			// the origin answered; let its own error response through
			return result, nil
		}
		f.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Origin request failed")
		return nil, err
	}

	f.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", result.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Origin request completed")

	return result, nil
}

// networkClass disables retries of network failures for unsafe methods.
func (f *Forwarder) networkClass(idempotent bool) ErrorClass {
	if !idempotent {
		return ""
	}
	return ErrorClassNetwork
}

// newRequest builds the upstream request for r.
func (f *Forwarder) newRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	target := strings.TrimSuffix(f.base.String(), "/") + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	cache.StripHopByHop(req.Header)

	if f.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}

	return req, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}
