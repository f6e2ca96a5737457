// File: internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported by the engine, mail client and relay.
type Metrics struct {
	// Orchestrator
	RunsTotal    *prometheus.CounterVec
	TimeToFill   *prometheus.HistogramVec
	RunsInFlight *prometheus.GaugeVec

	// Mail API
	FetchesTotal  *prometheus.CounterVec
	FetchDuration prometheus.Histogram

	// Resolver
	StrategyWins *prometheus.CounterVec

	// Relay
	RelayRequestsTotal *prometheus.CounterVec
	RelayDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every collector on reg. A nil reg gets a private registry,
// which keeps tests and multiple instances from colliding on the global default.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dakbox_engine_runs_total",
				Help: "Orchestrator runs by purpose and terminal state",
			},
			[]string{"purpose", "state"},
		),
		TimeToFill: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dakbox_engine_time_to_fill_seconds",
				Help:    "Time from trigger to a filled OTP form",
				Buckets: []float64{1, 2, 4, 8, 15, 30, 60, 120, 300},
			},
			[]string{"purpose"},
		),
		RunsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dakbox_engine_runs_in_flight",
				Help: "Orchestrator runs currently polling",
			},
			[]string{"purpose"},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dakbox_mailapi_fetches_total",
				Help: "Mail API requests by purpose and outcome",
			},
			[]string{"purpose", "outcome"},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dakbox_mailapi_fetch_duration_seconds",
				Help:    "Mail API request latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		StrategyWins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dakbox_resolver_strategy_wins_total",
				Help: "Selector resolution by winning strategy",
			},
			[]string{"kind", "strategy"},
		),
		RelayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dakbox_relay_requests_total",
				Help: "Relay requests by action and status code",
			},
			[]string{"action", "status_code"},
		),
		RelayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dakbox_relay_request_duration_seconds",
				Help:    "Relay request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		gatherer: reg,
	}
}

// RecordRun counts a finished orchestrator run.
func (m *Metrics) RecordRun(purpose, state string, elapsed time.Duration, filled bool) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(purpose, state).Inc()
	if filled {
		m.TimeToFill.WithLabelValues(purpose).Observe(elapsed.Seconds())
	}
}

// RecordFetch counts one mail API request.
func (m *Metrics) RecordFetch(purpose, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(purpose, outcome).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

// RecordStrategy counts which resolver strategy produced a match.
func (m *Metrics) RecordStrategy(kind, strategy string) {
	if m == nil {
		return
	}
	m.StrategyWins.WithLabelValues(kind, strategy).Inc()
}

// RecordRelay counts one relay request.
func (m *Metrics) RecordRelay(action, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RelayRequestsTotal.WithLabelValues(action, statusCode).Inc()
	m.RelayDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
