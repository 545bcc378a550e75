// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so that several instances (one per test
// server) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthFailures *prometheus.CounterVec

	// Ledger operations by operation and outcome (ok or error kind).
	LedgerOperations        *prometheus.CounterVec
	LedgerOperationDuration *prometheus.HistogramVec

	// Units moved by the ledger, per movement type.
	QuantityPosted *prometheus.CounterVec

	DriftPairs    prometheus.Gauge
	LastAuditTime prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected requests by reason",
			},
			[]string{"reason"},
		),
		LedgerOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		LedgerOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Duration of ledger operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		QuantityPosted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quantity_posted_total",
				Help:      "Units posted to the ledger by movement type",
			},
			[]string{"movement"},
		),
		DriftPairs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_drift_pairs",
			Help:      "Store/product pairs whose balance differs from their history at the last audit",
		}),
		LastAuditTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_audit_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed balance audit",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackOperation returns a function that records the outcome and duration
// of a ledger operation. outcome is "ok" or the error kind.
func (m *Metrics) TrackOperation(operation string) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		m.LedgerOperations.WithLabelValues(operation, outcome).Inc()
		m.LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordPosted(movement string, quantity float64) {
	m.QuantityPosted.WithLabelValues(movement).Add(quantity)
}

func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAudit(driftPairs int, at time.Time) {
	m.DriftPairs.Set(float64(driftPairs))
	m.LastAuditTime.Set(float64(at.Unix()))
}
