package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a point-in-time, JSON-serializable view of the gather-able
// counters, for the management API's JSON inspection endpoint — Prometheus
// scraping uses the /metrics text exposition format directly via Registry().
type Snapshot struct {
	UptimeSecs      float64          `json:"uptimeSecs"`
	RequestsTotal   map[string]float64 `json:"requestsTotal"`
	PolicyDenied    float64          `json:"policyDenied"`
	PIIDetections   map[string]float64 `json:"piiDetections"`
	InjectionHits   float64          `json:"injectionHits"`
	RoutingFailures float64          `json:"routingFailures"`
	CascadeFallback float64          `json:"cascadeFallback"`
	AuditDropped    float64          `json:"auditDropped"`
}

// Snapshot gathers the current collector values into a JSON-friendly
// struct for the management API.
func (m *Metrics) Snapshot() Snapshot {
	families, _ := m.registry.Gather()
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	snap := Snapshot{
		UptimeSecs:    m.Uptime().Seconds(),
		RequestsTotal: counterVecValues(byName["gateway_requests_total"], "outcome"),
		PIIDetections: counterVecValues(byName["gateway_pii_detections_total"], "pii_type"),
	}
	snap.PolicyDenied = counterValue(byName["gateway_policy_denied_total"])
	snap.InjectionHits = counterValue(byName["gateway_injection_detections_total"])
	snap.RoutingFailures = counterValue(byName["gateway_routing_failures_total"])
	snap.CascadeFallback = counterValue(byName["gateway_cascade_fallback_total"])
	snap.AuditDropped = counterValue(byName["gateway_audit_dropped_total"])
	return snap
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.Metric) == 0 {
		return 0
	}
	return f.Metric[0].GetCounter().GetValue()
}

func counterVecValues(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == labelName {
				out[lp.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}
