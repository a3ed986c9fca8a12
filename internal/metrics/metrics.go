// Package metrics holds the Prometheus collectors for the command
// pipeline. Every method is safe on a nil *Metrics, so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmha"

// Metrics is the set of pipeline collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	actions         *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	plannerRetries  prometheus.Counter
	inFlight        prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Handled commands by input mode and final state.",
		}, []string{"mode", "state"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of a full command run.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"mode"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Planned actions by execution status.",
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planner_tokens_total",
			Help:      "Planner tokens by model and type (input, output, cached).",
		}, []string{"model", "type"}),
		plannerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planner_retries_total",
			Help:      "Audio planner retries after a truncated response.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Commands currently being handled.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.cacheLookups,
		m.actions,
		m.tokens,
		m.plannerRetries,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RequestStarted marks a run as in flight.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RequestFinished records a completed run.
func (m *Metrics) RequestFinished(mode, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.requests.WithLabelValues(mode, state).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// CacheLookup records a response cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Action records the outcome of one planned action.
func (m *Metrics) Action(status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(status).Inc()
}

// Tokens adds planner token usage.
func (m *Metrics) Tokens(model string, input, output, cached int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(input))
	m.tokens.WithLabelValues(model, "output").Add(float64(output))
	m.tokens.WithLabelValues(model, "cached").Add(float64(cached))
}

// PlannerRetry counts one truncation retry.
func (m *Metrics) PlannerRetry() {
	if m == nil {
		return
	}
	m.plannerRetries.Inc()
}
