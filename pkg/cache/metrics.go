package cache

import (
	"time"
)

// Metric names reported by the Store.
const (
	MetricLookup       = "lookup"
	MetricHit          = "hit"
	MetricMiss         = "miss"
	MetricExpired      = "expired"
	MetricCoalesced    = "coalesced"
	MetricStore        = "store"
	MetricEviction     = "eviction"
	MetricComputeError = "compute_error"
	MetricBackendError = "backend_error"

	// MetricCompute is the timer around compute functions.
	MetricCompute = "compute"
)

// Metrics is the write-only sink for cache events.
// Implementations must be safe for concurrent use.
type Metrics interface {
	IncCounter(name string)
	ObserveTimer(name string, d time.Duration)
}

// NopMetrics discards all events.
type NopMetrics struct{}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string) {}

// ObserveTimer implements Metrics.
func (NopMetrics) ObserveTimer(string, time.Duration) {}

// safeMetrics shields the cache from a misbehaving sink.
type safeMetrics struct {
	next Metrics
}

func newSafeMetrics(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	if _, ok := m.(safeMetrics); ok {
		return m
	}
	return safeMetrics{next: m}
}

func (s safeMetrics) IncCounter(name string) {
	defer func() { _ = recover() }()
	s.next.IncCounter(name)
}

func (s safeMetrics) ObserveTimer(name string, d time.Duration) {
	defer func() { _ = recover() }()
	s.next.ObserveTimer(name, d)
}
