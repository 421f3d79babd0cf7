package router

import (
	"testing"

	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/domain"
)

func testSnapshot(t *testing.T) backend.Snapshot {
	t.Helper()
	r := backend.New()
	r.Register(backend.Descriptor{
		ID:                  "small-1",
		Type:                domain.BackendLLMSmall,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		CostPer1kTokens:     0.002,
		AvgLatencyMs:        150,
		ConfidenceThreshold: 0.6,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic:   {},
			domain.SensitivityInternal: {},
		},
	})
	r.Register(backend.Descriptor{
		ID:                  "large-1",
		Type:                domain.BackendLLMLarge,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilityTextGeneration, domain.CapabilityAnalysis),
		CostPer1kTokens:     0.02,
		AvgLatencyMs:        800,
		ConfidenceThreshold: 0.9,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic:     {},
			domain.SensitivityInternal:   {},
			domain.SensitivitySensitive:  {},
			domain.SensitivityPII:        {},
			domain.SensitivityConfidential: {},
		},
	})
	r.Register(backend.Descriptor{
		ID:                  "private-1",
		Type:                domain.BackendLLMPrivate,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		CostPer1kTokens:     0.05,
		AvgLatencyMs:        1200,
		ConfidenceThreshold: 0.95,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPII:          {},
			domain.SensitivityConfidential: {},
		},
	})
	r.Register(backend.Descriptor{
		ID:                  "rules-1",
		Type:                domain.BackendRuleEngine,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilitySecurityScan),
		CostPer1kTokens:     0.0,
		AvgLatencyMs:        20,
		ConfidenceThreshold: 0.5,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic:   {},
			domain.SensitivityInternal: {},
		},
	})
	return r.Snapshot()
}

func TestRouteSelectsCheapestSurvivor(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPublic,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.PrimaryBackendID != "small-1" {
		t.Errorf("expected small-1 to be cheapest eligible backend, got %q", d.PrimaryBackendID)
	}
	if d.Relaxed {
		t.Error("expected unrelaxed decision")
	}
}

func TestRouteFiltersBySensitivity(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPII,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.PrimaryBackendID != "large-1" {
		t.Errorf("expected large-1 (cheapest pii-cleared backend), got %q", d.PrimaryBackendID)
	}
}

func TestRouteHintRestrictsCandidates(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPII,
		ProcessingHint:  domain.HintModelPrivate,
		EstimatedTokens: 1000,
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.PrimaryBackendID != "private-1" {
		t.Errorf("expected hint to force private-1, got %q", d.PrimaryBackendID)
	}
}

func TestRouteEmptyCandidateSetFails(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityCodeGeneration,
		Sensitivity:      domain.SensitivityPublic,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
	}
	_, err := Route(req, snap)
	if err == nil {
		t.Fatal("expected routing-failed for unsatisfiable capability")
	}
}

func TestRouteRelaxesWhenConstraintsUnsatisfiable(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPublic,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
		MaxCostUSD:      0.0001, // nothing survives this ceiling
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Relaxed {
		t.Error("expected relaxed decision when cost ceiling excludes every candidate")
	}
	if d.PrimaryBackendID != "rules-1" && d.PrimaryBackendID != "small-1" {
		t.Errorf("expected relaxation to still pick the cheapest sensitivity-safe candidate, got %q", d.PrimaryBackendID)
	}
}

func TestRouteCascadeChainExcludesPrimaryAndCheaperBackends(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPII,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
		MaxRetries:      5,
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	seen := map[string]bool{d.PrimaryBackendID: true}
	for _, id := range d.FallbackBackends {
		if seen[id] {
			t.Errorf("backend %q appears more than once across primary + fallbacks", id)
		}
		seen[id] = true
	}
	primary, err := snap.Get(d.PrimaryBackendID)
	if err != nil {
		t.Fatalf("Get(%q): %v", d.PrimaryBackendID, err)
	}
	for _, id := range d.FallbackBackends {
		fb, err := snap.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if fb.CostPer1kTokens <= primary.CostPer1kTokens {
			t.Errorf("fallback %q costs %v per 1k tokens, not more than primary's %v", id, fb.CostPer1kTokens, primary.CostPer1kTokens)
		}
	}
}

func TestRouteMaxRetriesZeroYieldsEmptyChain(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPII,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
		MaxRetries:      0,
	}
	d, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(d.FallbackBackends) != 0 {
		t.Errorf("expected empty fallback chain for max-retries=0, got %v", d.FallbackBackends)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	snap := testSnapshot(t)
	req := Request{
		Capability:      domain.CapabilityTextGeneration,
		Sensitivity:      domain.SensitivityPII,
		ProcessingHint:  domain.HintAuto,
		EstimatedTokens: 1000,
		MaxRetries:      2,
	}
	first, err := Route(req, snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Route(req, snap)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if next.PrimaryBackendID != first.PrimaryBackendID {
			t.Fatalf("non-deterministic primary selection: %q vs %q", next.PrimaryBackendID, first.PrimaryBackendID)
		}
	}
}

func TestInferCapability(t *testing.T) {
	cases := map[string]domain.Capability{
		"SecurityCheckV1":     domain.CapabilitySecurityScan,
		"extraction.request":  domain.CapabilityExtraction,
		"ClassifyIntent":      domain.CapabilityClassification,
		"llm.request.v1":      domain.CapabilityTextGeneration,
	}
	for schema, want := range cases {
		if got := InferCapability(schema); got != want {
			t.Errorf("InferCapability(%q) = %q, want %q", schema, got, want)
		}
	}
}
