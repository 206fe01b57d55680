// Package metrics owns the agent's Prometheus collectors.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

type Metrics struct {
	registry *prometheus.Registry

	submitted   *prometheus.CounterVec
	resolved    *prometheus.CounterVec
	running     prometheus.Gauge
	reconcile   *prometheus.CounterVec
	outputBytes *prometheus.CounterVec
	duration    prometheus.Histogram
}

// New creates a fresh registry with the agent collectors plus Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted by the dispatcher.",
		}, []string{"module"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_resolved_total",
			Help:      "Transactions that reached a final or unknown status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_running",
			Help:      "Transactions currently supervised by this agent.",
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliation outcomes for transactions found after a restart.",
		}, []string{"outcome"}),
		outputBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Output bytes persisted, by stream.",
		}, []string{"stream"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Wall time from creation to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.submitted, m.resolved, m.running, m.reconcile, m.outputBytes, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(module string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(module).Inc()
}

// Resolved records a transaction leaving Running. elapsed is ignored when zero.
func (m *Metrics) Resolved(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(status).Inc()
	if elapsed > 0 {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SupervisionStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) SupervisionEnded() {
	if m == nil {
		return
	}
	m.running.Dec()
}

// Reconciled records one reconciliation outcome (reattached, finalized, lost, skipped).
func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OutputBytes(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outputBytes.WithLabelValues(stream).Add(float64(n))
}
