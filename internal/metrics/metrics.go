// Package metrics exposes the service's Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "oauth_refresher"

// Token request outcomes.
const (
	OutcomeCached          = "cached"
	OutcomeRefreshed       = "refreshed"
	OutcomeContendedCached = "contended_cached"
	OutcomeFailed          = "failed"
)

// Metrics holds all Prometheus metrics for the application.
//
// Every Record method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests and CLI commands.
type Metrics struct {
	// TokenRequests counts GetValidAccessToken calls by outcome
	TokenRequests *prometheus.CounterVec
	// RefreshAttempts counts provider calls by result kind ("success" or a failure kind)
	RefreshAttempts *prometheus.CounterVec
	// RefreshDuration tracks how long a locked refresh takes, retries included
	RefreshDuration prometheus.Histogram
	// Deactivations counts connections deactivated by failure kind
	Deactivations *prometheus.CounterVec
	// LockContention counts refreshes that found the lock already held
	LockContention prometheus.Counter
	// SweepRuns counts sweeper passes by result
	SweepRuns *prometheus.CounterVec
	// SweepRefreshes counts connections visited by the sweeper by result
	SweepRefreshes *prometheus.CounterVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TokenRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_requests_total",
				Help:      "Total number of access token requests by outcome",
			},
			[]string{"outcome"},
		),
		RefreshAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_attempts_total",
				Help:      "Total number of provider refresh calls by result kind",
			},
			[]string{"kind"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of locked token refreshes including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
		),
		Deactivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deactivations_total",
				Help:      "Total number of connections deactivated by failure kind",
			},
			[]string{"kind"},
		),
		LockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of refreshes that found the refresh lock held",
			},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Total number of proactive sweep passes by result",
			},
			[]string{"result"},
		),
		SweepRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_connections_total",
				Help:      "Total number of connections visited by the sweeper by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.TokenRequests,
		m.RefreshAttempts,
		m.RefreshDuration,
		m.Deactivations,
		m.LockContention,
		m.SweepRuns,
		m.SweepRefreshes,
		m.HTTPRequestsTotal,
		m.RequestLatency,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTokenRequest records the outcome of one access token request
func (m *Metrics) RecordTokenRequest(outcome string) {
	if m == nil {
		return
	}
	m.TokenRequests.WithLabelValues(outcome).Inc()
}

// RecordRefreshAttempt records one provider call
func (m *Metrics) RecordRefreshAttempt(kind string) {
	if m == nil {
		return
	}
	m.RefreshAttempts.WithLabelValues(kind).Inc()
}

// ObserveRefreshDuration records the duration of a locked refresh
func (m *Metrics) ObserveRefreshDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(d.Seconds())
}

// RecordDeactivation records a connection deactivation
func (m *Metrics) RecordDeactivation(kind string) {
	if m == nil {
		return
	}
	m.Deactivations.WithLabelValues(kind).Inc()
}

// RecordLockContention records a refresh that lost the lock race
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

// RecordSweepRun records one sweeper pass
func (m *Metrics) RecordSweepRun(result string) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(result).Inc()
}

// RecordSweepRefresh records one connection visited by the sweeper
func (m *Metrics) RecordSweepRefresh(result string) {
	if m == nil {
		return
	}
	m.SweepRefreshes.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request and its latency
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(d.Seconds())
}
