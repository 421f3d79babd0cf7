// Package router composes the capability/sensitivity/hint candidate filter,
// the cost/latency constraint solver (with relaxation fallback), and the
// cascade fallback chain into one deterministic routing decision.
//
// Grounded on original_source/poc/mpc_server/router.py's IntelligentRouter
// (three-stage shape: CapabilityRouter → CostAwareRouter → Confidence
// CascadeRouter.get_fallback_chain), adapted to the exact Stage 2/3 rules
// spec.md §4.6 specifies (ties broken by latency then lexicographic id;
// fallbacks restricted to backends strictly more expensive than primary).
package router

import (
	"sort"
	"strings"

	"github.com/go-faster/errors"

	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// Request is the router's input: the capability to satisfy, the request's
// sensitivity, an optional non-auto processing hint, and the cost/latency
// constraints the constraint solver applies in Stage 2.
type Request struct {
	Capability      domain.Capability
	Sensitivity     domain.Sensitivity
	ProcessingHint  domain.ProcessingHint
	EstimatedTokens int
	MaxCostUSD      float64
	TimeoutMs       int64
	MaxRetries      int
	ConfidenceFloor float64 // default 0.0 (disabled)
}

// Decision is the router's deterministic output.
type Decision struct {
	PrimaryBackendID   string
	BackendType        domain.BackendType
	Reason             string
	Confidence         float64
	EstimatedCostUSD   float64
	EstimatedLatencyMs float64
	FallbackBackends   []string
	Relaxed            bool
}

// ErrRoutingFailed is wrapped with the unsatisfiable constraint's
// description when Stage 1 produces an empty candidate set.
var ErrRoutingFailed = errors.New("routing-failed")

// hintAllowedTypes maps a non-auto hint to the backend types it restricts
// the candidate set to. hybrid and auto both mean "no restriction" and are
// absent from this table.
var hintAllowedTypes = map[domain.ProcessingHint][]domain.BackendType{
	domain.HintModelSmall:   {domain.BackendLLMSmall},
	domain.HintModelLarge:   {domain.BackendLLMLarge},
	domain.HintModelPrivate: {domain.BackendLLMPrivate},
	domain.HintRuleEngine:   {domain.BackendRuleEngine, domain.BackendRegexEngine},
}

// Route computes a RoutingDecision for req against snap. Identical
// (req, snap) pairs always yield an identical Decision.
func Route(req Request, snap backend.Snapshot) (Decision, error) {
	candidates, err := stage1CandidateSet(req, snap)
	if err != nil {
		return Decision{}, err
	}

	primary, relaxed := stage2SelectPrimary(req, candidates)
	fallbacks := stage3CascadeChain(req, candidates, primary)

	reason := "capability, sensitivity, and hint filters plus cost/latency solver"
	if relaxed {
		reason = "cost/latency constraints relaxed; cheapest sensitivity-safe candidate selected"
	}

	return Decision{
		PrimaryBackendID:   primary.ID,
		BackendType:        primary.Type,
		Reason:             reason,
		Confidence:         primary.ConfidenceThreshold,
		EstimatedCostUSD:   estimatedCost(primary, req.EstimatedTokens),
		EstimatedLatencyMs: primary.AvgLatencyMs,
		FallbackBackends:   fallbacks,
		Relaxed:            relaxed,
	}, nil
}

// AllowedTypesForHint returns the backend types a non-auto, non-hybrid hint
// restricts the candidate set to, and whether any restriction applies at
// all (auto and hybrid both report ok=false: no restriction). Exported so
// callers outside the Stage 1 candidate filter — the PII-aware routing
// block check — can reason about the same hint → type mapping Route uses.
func AllowedTypesForHint(hint domain.ProcessingHint) (types []domain.BackendType, ok bool) {
	if hint == "" || hint == domain.HintAuto || hint == domain.HintHybrid {
		return nil, false
	}
	types, ok = hintAllowedTypes[hint]
	return types, ok
}

// stage1CandidateSet builds C₀: backends whose capabilities contain the
// inferred capability, whose sensitivity-allowed contains the request's
// sensitivity, and — if a non-auto hint was supplied — whose type is in the
// hint's allowed-type mapping.
func stage1CandidateSet(req Request, snap backend.Snapshot) ([]backend.Descriptor, error) {
	var candidates []backend.Descriptor
	for _, d := range snap.All() {
		if !d.HasCapability(req.Capability) {
			continue
		}
		if !d.AllowsSensitivity(req.Sensitivity) {
			continue
		}
		candidates = append(candidates, d)
	}

	if req.ProcessingHint != "" && req.ProcessingHint != domain.HintAuto && req.ProcessingHint != domain.HintHybrid {
		allowed, ok := hintAllowedTypes[req.ProcessingHint]
		if ok {
			candidates = filterByType(candidates, allowed)
		}
	}

	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrRoutingFailed,
			"no backend satisfies capability=%s sensitivity=%s hint=%s",
			req.Capability, req.Sensitivity, req.ProcessingHint)
	}
	return candidates, nil
}

func filterByType(candidates []backend.Descriptor, allowed []domain.BackendType) []backend.Descriptor {
	allowedSet := make(map[domain.BackendType]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = struct{}{}
	}
	var out []backend.Descriptor
	for _, d := range candidates {
		if _, ok := allowedSet[d.Type]; ok {
			out = append(out, d)
		}
	}
	return out
}

// stage2SelectPrimary applies the cost/latency/confidence-floor constraint
// solver over C₀, falling back to relaxed selection (drop cost and latency,
// never sensitivity) when nothing survives. Candidates is guaranteed
// non-empty by Stage 1.
func stage2SelectPrimary(req Request, candidates []backend.Descriptor) (backend.Descriptor, bool) {
	var survivors []backend.Descriptor
	for _, d := range candidates {
		cost := estimatedCost(d, req.EstimatedTokens)
		if req.MaxCostUSD > 0 && cost > req.MaxCostUSD {
			continue
		}
		if req.TimeoutMs > 0 && d.AvgLatencyMs > float64(req.TimeoutMs) {
			continue
		}
		if req.ConfidenceFloor > 0 && d.ConfidenceThreshold < req.ConfidenceFloor {
			continue
		}
		survivors = append(survivors, d)
	}

	if len(survivors) > 0 {
		return cheapest(survivors, req.EstimatedTokens), false
	}
	return cheapest(candidates, req.EstimatedTokens), true
}

// cheapest picks the minimum estimated-cost descriptor, breaking ties by
// minimum avg-latency-ms, then by lexicographic id.
func cheapest(candidates []backend.Descriptor, estimatedTokens int) backend.Descriptor {
	ordered := make([]backend.Descriptor, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := estimatedCost(ordered[i], estimatedTokens), estimatedCost(ordered[j], estimatedTokens)
		if ci != cj {
			return ci < cj
		}
		if ordered[i].AvgLatencyMs != ordered[j].AvgLatencyMs {
			return ordered[i].AvgLatencyMs < ordered[j].AvgLatencyMs
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered[0]
}

// stage3CascadeChain computes up to req.MaxRetries fallbacks from
// C₀ \ {primary}, restricted to backends strictly more expensive than
// primary, ordered by ascending cost. max-retries = 0 yields an empty chain.
func stage3CascadeChain(req Request, candidates []backend.Descriptor, primary backend.Descriptor) []string {
	if req.MaxRetries <= 0 {
		return nil
	}

	primaryCost := estimatedCost(primary, req.EstimatedTokens)
	var costlier []backend.Descriptor
	for _, d := range candidates {
		if d.ID == primary.ID {
			continue
		}
		if estimatedCost(d, req.EstimatedTokens) > primaryCost {
			costlier = append(costlier, d)
		}
	}

	sort.SliceStable(costlier, func(i, j int) bool {
		ci, cj := estimatedCost(costlier[i], req.EstimatedTokens), estimatedCost(costlier[j], req.EstimatedTokens)
		if ci != cj {
			return ci < cj
		}
		return costlier[i].ID < costlier[j].ID
	})

	n := req.MaxRetries
	if n > len(costlier) {
		n = len(costlier)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = costlier[i].ID
	}
	return out
}

func estimatedCost(d backend.Descriptor, estimatedTokens int) float64 {
	return (float64(estimatedTokens) / 1000) * d.CostPer1kTokens
}

// InferCapability infers the capability from a payload-schema name when the
// client does not explicitly supply one: schemas containing "security" →
// security-scan, "extract" → extraction, "classify" → classification, else
// text-generation. A deliberate, shallow heuristic that explicit request
// fields can override without changing the router.
func InferCapability(schemaName string) domain.Capability {
	lower := strings.ToLower(schemaName)
	switch {
	case strings.Contains(lower, "security"):
		return domain.CapabilitySecurityScan
	case strings.Contains(lower, "extract"):
		return domain.CapabilityExtraction
	case strings.Contains(lower, "classify"):
		return domain.CapabilityClassification
	default:
		return domain.CapabilityTextGeneration
	}
}
