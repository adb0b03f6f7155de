// Command cache-proxy is a caching reverse proxy in front of an HTTP origin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/response-cache/pkg/cache"
	"github.com/Sternrassler/response-cache/pkg/config"
	"github.com/Sternrassler/response-cache/pkg/headers"
	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/Sternrassler/response-cache/pkg/metrics"
	"github.com/Sternrassler/response-cache/pkg/middleware"
	"github.com/Sternrassler/response-cache/pkg/origin"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sqlitePurgeInterval is how often expired rows are removed from SQLite.
const sqlitePurgeInterval = time.Minute

func main() {
	configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache proxy")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      a.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.ListenAddr).
			Str("origin", cfg.Origin.URL).
			Str("backend", cfg.Cache.Backend).
			Msg("Starting cache proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down cache proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// loadConfig reads path (or the defaults when empty) and applies the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app wires the cache components together.
type app struct {
	store       *cache.Store
	backend     cache.Backend
	interceptor *middleware.Interceptor
	forwarder   *origin.Forwarder
	gatherer    prometheus.Gatherer
	logger      zerolog.Logger
	closers     []func() error
	cancel      context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		gatherer: gatherer,
		logger:   logging.NewLogger("cache-proxy"),
		cancel:   cancel,
	}

	mapper, err := cfg.Mapper()
	if err != nil {
		cancel()
		return nil, err
	}

	if err := a.openBackend(ctx, cfg.Cache); err != nil {
		cancel()
		return nil, err
	}

	a.store = cache.NewStore(a.backend, cache.StoreConfig{
		Metrics: metrics.NewRecorder(reg),
	})
	if b, ok := a.backend.(*cache.SQLiteBackend); ok {
		go a.purgeLoop(ctx, b, sqlitePurgeInterval)
	}

	a.forwarder, err = origin.New(origin.Config{
		BaseURL:   cfg.Origin.URL,
		Timeout:   cfg.Origin.Timeout,
		Retry:     cfg.Origin.Retry,
		UserAgent: cfg.Origin.UserAgent,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.interceptor, err = middleware.New(middleware.Config{
		Store:        a.store,
		Mapper:       mapper,
		Normalizer:   headers.NewNormalizer(cfg.Cache.SingletonHeaders...),
		VaryHeaders:  cfg.Cache.VaryHeaders,
		MaxBodyBytes: cfg.Cache.MaxBodyBytes,
		ErrorHandler: a.errorHandler,
		Name:         cfg.Cache.Name,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.logger.Info().
		Str("backend", cfg.Cache.Backend).
		Int("capacity", cfg.Cache.Capacity).
		Int("rules", mapper.Len()).
		Msg("Cache initialized")

	return a, nil
}

// openBackend creates the configured storage backend.
func (a *app) openBackend(ctx context.Context, cfg config.CacheConfig) error {
	switch cfg.Backend {
	case config.BackendMemory:
		a.backend = cache.NewMemoryBackend(cache.MemoryConfig{
			Capacity: cfg.Capacity,
			Shards:   cfg.Shards,
		})

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			redisClient.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

		a.backend = cache.NewRedisBackend(redisClient, cache.RedisConfig{
			Prefix:   cfg.RedisPrefix,
			Capacity: cfg.Capacity,
		})
		a.closers = append(a.closers, redisClient.Close)

	case config.BackendSQLite:
		b, err := cache.NewSQLiteBackend(cache.SQLiteConfig{
			Path:     cfg.SQLitePath,
			Capacity: cfg.Capacity,
		})
		if err != nil {
			return fmt.Errorf("open sqlite cache: %w", err)
		}
		a.backend = b
		a.closers = append(a.closers, b.Close)

	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	return nil
}

// purgeLoop removes expired SQLite rows until ctx is done.
func (a *app) purgeLoop(ctx context.Context, b *cache.SQLiteBackend, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.PurgeExpired(ctx, a.store.Now())
			if err != nil {
				a.logger.Warn().Err(err).Msg("Failed to purge expired entries")
				continue
			}
			if n > 0 {
				a.logger.Debug().Int64("purged", n).Msg("Purged expired entries")
			}
		}
	}
}

// router builds the HTTP routes.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(a.store))
	r.Handle("/metrics", metrics.Handler(a.gatherer))
	r.Handle("/*", a.interceptor.HandlerFunc(a.forwarder.Fetch))

	return r
}

// errorHandler answers failed origin exchanges.
func (a *app) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var originErr *origin.OriginError
	switch {
	case errors.As(err, &originErr), errors.Is(err, origin.ErrRetryExhausted):
		status = http.StatusBadGateway
	case errors.Is(err, origin.ErrContextCancelled):
		status = http.StatusGatewayTimeout
	}

	a.logger.Error().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")
	http.Error(w, http.StatusText(status), status)
}

// Close stops background work and releases the backend.
func (a *app) Close() error {
	a.cancel()
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// pinger is satisfied by *cache.Store.
type pinger interface {
	Ping(ctx context.Context) error
}

func readyHandler(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "cache backend unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// requestLogger logs one line per request with the Cache-Status outcome.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Str("cache_status", ww.Header().Get("Cache-Status")).
					Dur("duration", time.Since(start)).
					Msg("Request served")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
