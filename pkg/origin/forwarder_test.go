package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/response-cache/internal/testutil"
	"github.com/Sternrassler/response-cache/pkg/cache"
	"github.com/Sternrassler/response-cache/pkg/middleware"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var fastRetry = RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2.0,
}

func newTestForwarder(t *testing.T, baseURL string) *Forwarder {
	t.Helper()
	logger := zerolog.Nop()
	f, err := New(Config{
		BaseURL:   baseURL,
		Retry:     fastRetry,
		UserAgent: "response-cache-test/1.0",
		Logger:    &logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: Config{BaseURL: "http://localhost:8081"},
		},
		{
			name:        "empty base url",
			config:      Config{},
			expectError: true,
			errorMsg:    "origin base url is required",
		},
		{
			name:        "unsupported scheme",
			config:      Config{BaseURL: "ftp://example.com"},
			expectError: true,
			errorMsg:    `origin url must be http or https (got "ftp://example.com")`,
		},
		{
			name:        "missing host",
			config:      Config{BaseURL: "http://"},
			expectError: true,
			errorMsg:    `origin url has no host (got "http://")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if f.httpClient.Timeout != DefaultTimeout {
				t.Errorf("Timeout = %v, want %v", f.httpClient.Timeout, DefaultTimeout)
			}
		})
	}
}

func TestFetch_ForwardsRequest(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()

	var gotURI string
	mock.SetHandler("/api/items", func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		w.Header().Set("Cache-Control", "max-age=30")
		w.Header().Set("X-Origin", "yes")
		w.Write([]byte("items"))
	})

	f := newTestForwarder(t, mock.URL())

	req := httptest.NewRequest(http.MethodGet, "http://cache.example.com/api/items?page=2&sort=name", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "hop")

	resp, err := f.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK || string(resp.Body) != "items" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("X-Origin") != "yes" {
		t.Error("origin headers should be returned")
	}
	if gotURI != "/api/items?page=2&sort=name" {
		t.Errorf("origin saw %q", gotURI)
	}

	hdr := mock.LastRequestHeader()
	if hdr.Get("Accept") != "application/json" {
		t.Error("end-to-end headers should be forwarded")
	}
	if hdr.Get("X-Secret") != "" {
		t.Error("headers named in Connection must not be forwarded")
	}
	if hdr.Get("User-Agent") != "response-cache-test/1.0" {
		t.Errorf("User-Agent = %q", hdr.Get("User-Agent"))
	}
	if hdr.Get("X-Forwarded-Host") != "cache.example.com" {
		t.Errorf("X-Forwarded-Host = %q", hdr.Get("X-Forwarded-Host"))
	}
	if hdr.Get("X-Forwarded-For") != "192.0.2.1" {
		t.Errorf("X-Forwarded-For = %q", hdr.Get("X-Forwarded-For"))
	}
}

func TestFetch_BaseURLPath(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()

	f := newTestForwarder(t, mock.URL()+"/backend/")
	if _, err := f.Fetch(httptest.NewRequest(http.MethodGet, "/status", nil)); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if mock.PathCount("/backend/status") != 1 {
		t.Errorf("origin did not receive /backend/status")
	}
}

func TestFetch_Retry(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		sequence      []testutil.MockResponse
		wantStatus    int
		wantAttempts  int
		wantRetries   float64
		wantExhausted float64
		errorClass    ErrorClass
	}{
		{
			name:   "server error then success",
			method: http.MethodGet,
			sequence: []testutil.MockResponse{
				testutil.NewServerErrorResponse(),
				testutil.NewServerErrorResponse(),
				testutil.NewCacheableResponse("ok", time.Minute),
			},
			wantStatus:   http.StatusOK,
			wantAttempts: 3,
			wantRetries:  2,
			errorClass:   ErrorClassServer,
		},
		{
			name:          "server error exhausted",
			method:        http.MethodGet,
			sequence:      []testutil.MockResponse{testutil.NewServerErrorResponse()},
			wantStatus:    http.StatusServiceUnavailable,
			wantAttempts:  3,
			wantRetries:   2,
			wantExhausted: 1,
			errorClass:    ErrorClassServer,
		},
		{
			name:   "rate limited then success",
			method: http.MethodGet,
			sequence: []testutil.MockResponse{
				{StatusCode: http.StatusTooManyRequests},
				testutil.NewCacheableResponse("ok", time.Minute),
			},
			wantStatus:   http.StatusOK,
			wantAttempts: 2,
			wantRetries:  1,
			errorClass:   ErrorClassRateLimit,
		},
		{
			name:         "client error not retried",
			method:       http.MethodGet,
			sequence:     []testutil.MockResponse{testutil.NewNotFoundResponse()},
			wantStatus:   http.StatusNotFound,
			wantAttempts: 1,
			errorClass:   ErrorClassClient,
		},
		{
			name:         "post not retried",
			method:       http.MethodPost,
			sequence:     []testutil.MockResponse{testutil.NewServerErrorResponse()},
			wantStatus:   http.StatusServiceUnavailable,
			wantAttempts: 1,
			errorClass:   ErrorClassServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOrigin()
			defer mock.Close()
			mock.SetSequence("/flaky", tt.sequence...)

			retriesBefore := promtestutil.ToFloat64(originRetriesTotal.WithLabelValues(string(tt.errorClass)))
			exhaustedBefore := promtestutil.ToFloat64(originRetryExhaustedTotal.WithLabelValues(string(tt.errorClass)))

			f := newTestForwarder(t, mock.URL())
			resp, err := f.Fetch(httptest.NewRequest(tt.method, "/flaky", strings.NewReader("payload")))
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := mock.PathCount("/flaky"); got != tt.wantAttempts {
				t.Errorf("origin attempts = %d, want %d", got, tt.wantAttempts)
			}

			retries := promtestutil.ToFloat64(originRetriesTotal.WithLabelValues(string(tt.errorClass))) - retriesBefore
			if retries != tt.wantRetries {
				t.Errorf("retries metric delta = %v, want %v", retries, tt.wantRetries)
			}
			exhausted := promtestutil.ToFloat64(originRetryExhaustedTotal.WithLabelValues(string(tt.errorClass))) - exhaustedBefore
			if exhausted != tt.wantExhausted {
				t.Errorf("exhausted metric delta = %v, want %v", exhausted, tt.wantExhausted)
			}
		})
	}
}

func TestFetch_PostBodyForwarded(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()

	var got string
	mock.SetHandler("/orders", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	f := newTestForwarder(t, mock.URL())
	resp, err := f.Fetch(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"qty":3}`)))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if got != `{"qty":3}` {
		t.Errorf("origin received body %q", got)
	}
}

func TestFetch_NetworkError(t *testing.T) {
	mock := testutil.NewMockOrigin()
	url := mock.URL()
	mock.Close()

	f := newTestForwarder(t, url)
	_, err := f.Fetch(httptest.NewRequest(http.MethodGet, "/down", nil))
	if err == nil {
		t.Fatal("Expected error for unreachable origin")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}

	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatalf("error = %v, want *OriginError", err)
	}
	if originErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %s, want network", originErr.ErrorClass)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()

	f := newTestForwarder(t, mock.URL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil).WithContext(ctx)
	_, err := f.Fetch(req)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
}

func TestFetch_BehindInterceptor(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()
	mock.SetResponse("/catalog", testutil.NewCacheableResponse(`{"items":[]}`, time.Minute))

	logger := zerolog.Nop()
	store := cache.NewStore(cache.NewMemoryBackend(cache.MemoryConfig{}), cache.StoreConfig{Logger: &logger})
	interceptor, err := middleware.New(middleware.Config{Store: store, Logger: &logger})
	if err != nil {
		t.Fatalf("middleware.New() error = %v", err)
	}

	h := interceptor.HandlerFunc(newTestForwarder(t, mock.URL()).Fetch)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/catalog", nil))
		if rec.Code != http.StatusOK || rec.Body.String() != `{"items":[]}` {
			t.Fatalf("request %d = %d %q", i, rec.Code, rec.Body.String())
		}
	}

	if got := mock.PathCount("/catalog"); got != 1 {
		t.Errorf("origin requests = %d, want 1", got)
	}
}
