// Package metrics exports response cache events to Prometheus.
//
// Recorder implements the cache.Metrics sink. Origin request metrics are
// defined in pkg/origin and registered on the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// Package-level metrics (pkg/origin) are registered here via promauto.
var Registry = prometheus.DefaultRegisterer

// Recorder turns cache events into Prometheus series:
//   - response_cache_events_total{event} (Counter): lookup, hit, miss, expired,
//     coalesced, store, eviction, compute_error, backend_error
//   - response_cache_operation_seconds{operation} (Histogram): compute duration
type Recorder struct {
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewRecorder registers the cache series on reg.
// A nil reg registers on the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = Registry
	}
	factory := promauto.With(reg)

	return &Recorder{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_cache_events_total",
			Help: "Total response cache events by type",
		}, []string{"event"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "response_cache_operation_seconds",
			Help:    "Response cache operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
	}
}

// IncCounter increments the event counter for name.
func (r *Recorder) IncCounter(name string) {
	if r == nil {
		return
	}
	defer func() { _ = recover() }()
	r.events.WithLabelValues(name).Inc()
}

// ObserveTimer records d for the operation name.
func (r *Recorder) ObserveTimer(name string, d time.Duration) {
	if r == nil {
		return
	}
	defer func() { _ = recover() }()
	r.durations.WithLabelValues(name).Observe(d.Seconds())
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics gathered by g.
// A nil g serves the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(response_cache_events_total{event="hit"}[5m])) /
//   sum(rate(response_cache_events_total{event="lookup"}[5m]))
//
//   # Coalesced share of misses
//   rate(response_cache_events_total{event="coalesced"}[5m]) /
//   rate(response_cache_events_total{event="miss"}[5m])
//
//   # P95 compute latency
//   histogram_quantile(0.95, rate(response_cache_operation_seconds_bucket{operation="compute"}[5m]))
//
//   # Origin Error Rate
//   rate(origin_requests_total{status=~"5.."}[5m])
