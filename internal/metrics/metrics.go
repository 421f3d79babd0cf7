// Package metrics exposes runtime gateway counters as Prometheus
// collectors (served over /metrics) plus a JSON snapshot for the
// management API, replacing the teacher's atomic-counter Snapshot() with
// real collectors while keeping the same request/error/latency dimensions
// it tracked.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway records against.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec // labels: outcome
	PolicyDenied    prometheus.Counter
	PIIDetections   *prometheus.CounterVec // labels: pii-type
	InjectionHits   prometheus.Counter
	RoutingFailures prometheus.Counter
	CascadeFallback prometheus.Counter
	AuditDropped    prometheus.Counter

	RequestLatency    prometheus.Histogram
	BackendLatency    *prometheus.HistogramVec // labels: backend-id
	EstimatedCostUSD  *prometheus.CounterVec   // labels: backend-id

	startTime time.Time
	registry  *prometheus.Registry
}

// New creates a Metrics instance with every collector registered against a
// dedicated registry (not the global default, so tests never collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests processed, labeled by outcome.",
		}, []string{"outcome"}),
		PolicyDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_policy_denied_total",
			Help: "Requests denied by the policy engine.",
		}),
		PIIDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pii_detections_total",
			Help: "PII matches found, labeled by PII type.",
		}, []string{"pii_type"}),
		InjectionHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_injection_detections_total",
			Help: "Prompt-injection patterns matched.",
		}),
		RoutingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_routing_failures_total",
			Help: "Requests that failed Stage 1 candidate selection.",
		}),
		CascadeFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cascade_fallback_total",
			Help: "Requests served by a fallback backend instead of the primary.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Audit events dropped to backpressure.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "End-to-end request latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_backend_duration_ms",
			Help:    "Per-backend dispatch latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"backend_id"}),
		EstimatedCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_estimated_cost_usd_total",
			Help: "Cumulative estimated cost in USD, labeled by backend.",
		}, []string{"backend_id"}),
		startTime: time.Now(),
		registry:  reg,
	}
	reg.MustRegister(
		m.RequestsTotal, m.PolicyDenied, m.PIIDetections, m.InjectionHits,
		m.RoutingFailures, m.CascadeFallback, m.AuditDropped,
		m.RequestLatency, m.BackendLatency, m.EstimatedCostUSD,
	)
	return m
}

// Registry returns the Prometheus registry to serve over /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one completed request with its final outcome and
// end-to-end latency.
func (m *Metrics) RecordRequest(outcome string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestLatency.Observe(float64(d.Microseconds()) / 1000.0)
}

// RecordBackendDispatch records one backend's dispatch latency and
// estimated cost contribution.
func (m *Metrics) RecordBackendDispatch(backendID string, d time.Duration, costUSD float64) {
	m.BackendLatency.WithLabelValues(backendID).Observe(float64(d.Microseconds()) / 1000.0)
	m.EstimatedCostUSD.WithLabelValues(backendID).Add(costUSD)
}

// Uptime reports how long this Metrics instance has been alive.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
