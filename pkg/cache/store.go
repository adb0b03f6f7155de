package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/rs/zerolog"
)

// Disposition tells the Store what it may do with a computed entry.
type Disposition int

const (
	// Unshareable entries belong to the caller that computed them. Callers
	// that joined the computation run their own instead.
	Unshareable Disposition = iota

	// Shareable entries are handed to every coalesced caller but not stored.
	Shareable

	// Storable entries are shared and persisted.
	Storable
)

// ComputeFunc produces a response for a missing key.
type ComputeFunc func(ctx context.Context) (entry *CacheEntry, disposition Disposition, err error)

// Outcome describes how a Store call was satisfied.
type Outcome struct {
	// Hit is set when the entry came from the backend.
	Hit bool

	// Coalesced is set when the caller waited on another caller's computation.
	Coalesced bool

	// Stored is set when the computed entry was persisted.
	Stored bool
}

// StoreConfig holds optional Store collaborators.
type StoreConfig struct {
	// Metrics receives cache events (default: NopMetrics).
	Metrics Metrics

	// Logger overrides the default component logger.
	Logger *zerolog.Logger

	// Now is the clock used for freshness decisions (default: time.Now).
	Now func() time.Time
}

// Store is the response cache.
// It guarantees at most one concurrent computation per key: the first
// caller for a missing key computes it, later callers wait for that result.
type Store struct {
	backend Backend
	metrics Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// flights maps key strings to *flight
	flights sync.Map
}

// NewStore creates a Store on top of backend.
func NewStore(backend Backend, cfg StoreConfig) *Store {
	if backend == nil {
		panic("cache backend cannot be nil")
	}

	logger := logging.NewLogger("cache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		backend: backend,
		metrics: newSafeMetrics(cfg.Metrics),
		logger:  logger,
		now:     now,
	}

	if notifier, ok := backend.(EvictionNotifier); ok {
		notifier.OnEvict(func(key string) {
			s.metrics.IncCounter(MetricEviction)
			s.logger.Debug().Str("key", key).Msg("Cache entry evicted")
		})
	}

	return s
}

// Now returns the current time of the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Lookup returns a live entry for key.
// Expired entries are removed on the way. Backend failures are logged and
// reported as a miss.
func (s *Store) Lookup(ctx context.Context, key CacheKey) (*CacheEntry, bool) {
	s.metrics.IncCounter(MetricLookup)
	k := key.String()

	entry, err := s.backend.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.metrics.IncCounter(MetricBackendError)
			s.logger.Warn().Err(err).Str("key", k).Msg("Cache lookup failed")
			if errors.Is(err, ErrInvalidEntry) {
				s.delete(ctx, k)
			}
		}
		s.metrics.IncCounter(MetricMiss)
		return nil, false
	}

	if entry.IsExpiredAt(s.now()) {
		s.delete(ctx, k)
		s.metrics.IncCounter(MetricExpired)
		s.metrics.IncCounter(MetricMiss)
		s.logger.Debug().Str("key", k).Msg("Cache entry expired")
		return nil, false
	}

	s.metrics.IncCounter(MetricHit)
	s.logger.Debug().Str("key", k).Dur("ttl", entry.TTLAt(s.now())).Msg("Cache hit")
	return entry, true
}

// ComputeIfAbsent returns the live entry for key, computing it with fn
// when it is missing.
func (s *Store) ComputeIfAbsent(ctx context.Context, key CacheKey, fn ComputeFunc) (*CacheEntry, Outcome, error) {
	if entry, ok := s.Lookup(ctx, key); ok {
		return entry, Outcome{Hit: true}, nil
	}
	return s.coalesce(ctx, key, fn, true)
}

// Coalesce runs fn at most once concurrently per key and hands its result
// to every caller that arrives while it runs.
//
// fn runs on its own goroutine with a context that is not cancelled with
// ctx. A caller whose ctx ends stops waiting without affecting the
// computation or the other callers. Errors and panics reach every caller
// and are never stored; the next call for key recomputes. Callers that
// joined a computation whose result is Unshareable run fn themselves.
func (s *Store) Coalesce(ctx context.Context, key CacheKey, fn ComputeFunc) (*CacheEntry, Outcome, error) {
	return s.coalesce(ctx, key, fn, false)
}

// CoalesceMissing is Coalesce for a key the caller has just looked up and
// missed. The caller that claims the computation reads the backend once
// more and shares a live entry stored in the meantime instead of running fn.
func (s *Store) CoalesceMissing(ctx context.Context, key CacheKey, fn ComputeFunc) (*CacheEntry, Outcome, error) {
	return s.coalesce(ctx, key, fn, true)
}

func (s *Store) coalesce(ctx context.Context, key CacheKey, fn ComputeFunc, recheck bool) (*CacheEntry, Outcome, error) {
	if fn == nil {
		return nil, Outcome{}, fmt.Errorf("compute function cannot be nil")
	}
	k := key.String()

	f := newFlight()
	if actual, loaded := s.flights.LoadOrStore(k, f); loaded {
		s.metrics.IncCounter(MetricCoalesced)
		s.logger.Debug().Str("key", k).Msg("Joined in-flight computation")

		joined := actual.(*flight)
		if err := joined.wait(ctx); err != nil {
			return nil, Outcome{Coalesced: true}, err
		}
		if joined.shareable() {
			return joined.outcome(true)
		}

		s.logger.Debug().Str("key", k).Msg("In-flight result not shareable, computing separately")
		f = newFlight()
		recheck = false
	}

	go s.execute(context.WithoutCancel(ctx), k, f, fn, recheck)

	if err := f.wait(ctx); err != nil {
		return nil, Outcome{}, err
	}
	return f.outcome(false)
}

// execute runs the flight to completion. The slot is released before done
// is closed, so callers released by done never join a finished flight.
// A flight that was never claimed in flights only releases its waiter.
func (s *Store) execute(ctx context.Context, k string, f *flight, fn ComputeFunc, recheck bool) {
	defer func() {
		s.flights.CompareAndDelete(k, f)
		close(f.done)
	}()

	if recheck && s.recheck(ctx, k, f) {
		return
	}

	start := time.Now()
	f.run(ctx, fn)
	s.metrics.ObserveTimer(MetricCompute, time.Since(start))

	switch {
	case f.err != nil:
		s.metrics.IncCounter(MetricComputeError)
		s.logger.Debug().Err(f.err).Str("key", k).Msg("Cache computation failed")
	case f.result == nil:
		f.err = fmt.Errorf("%w: compute returned no entry", ErrInvalidEntry)
		s.metrics.IncCounter(MetricComputeError)
	case f.disposition == Storable:
		f.stored = s.persist(ctx, k, f.result)
	}
}

// recheck loads a live entry stored after the caller's lookup missed.
func (s *Store) recheck(ctx context.Context, k string, f *flight) bool {
	entry, err := s.backend.Get(ctx, k)
	if err != nil || entry.IsExpiredAt(s.now()) {
		return false
	}

	f.result = entry
	f.hit = true
	s.logger.Debug().Str("key", k).Msg("Entry stored by a concurrent computation")
	return true
}

// persist stores entry when its status is cacheable and it is still fresh.
func (s *Store) persist(ctx context.Context, k string, entry *CacheEntry) bool {
	if !IsCacheableStatus(entry.StatusCode) {
		return false
	}
	ttl := entry.TTLAt(s.now())
	if ttl <= 0 {
		return false
	}

	if err := s.backend.Set(ctx, k, entry, ttl); err != nil {
		s.metrics.IncCounter(MetricBackendError)
		s.logger.Warn().Err(err).Str("key", k).Msg("Cache store failed")
		return false
	}

	s.metrics.IncCounter(MetricStore)
	s.logger.Debug().Str("key", k).Dur("ttl", ttl).Int("status_code", entry.StatusCode).Msg("Cache entry stored")
	return true
}

// Put stores entry under key outside of a computation.
// Entries with a non-cacheable status or no remaining lifetime are ignored.
func (s *Store) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if !IsCacheableStatus(entry.StatusCode) {
		return nil
	}
	ttl := entry.TTLAt(s.now())
	if ttl <= 0 {
		return nil
	}

	k := key.String()
	if err := s.backend.Set(ctx, k, entry, ttl); err != nil {
		s.metrics.IncCounter(MetricBackendError)
		return fmt.Errorf("cache put: %w", err)
	}
	s.metrics.IncCounter(MetricStore)
	return nil
}

// Evict removes the entry for key.
func (s *Store) Evict(ctx context.Context, key CacheKey) error {
	if err := s.backend.Delete(ctx, key.String()); err != nil {
		s.metrics.IncCounter(MetricBackendError)
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.backend.Len(ctx)
}

// Ping checks the backend when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, k string) {
	if err := s.backend.Delete(ctx, k); err != nil {
		s.metrics.IncCounter(MetricBackendError)
		s.logger.Warn().Err(err).Str("key", k).Msg("Cache delete failed")
	}
}
