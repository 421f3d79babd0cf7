// Package policy implements the gateway's attribute-based authorization
// decision. The four rule families (sensitivity access, processing-hint
// access, per-request cost ceiling, and the pii-access override) are
// evaluated by an embedded Rego module; this package owns the deterministic
// evaluation order and the first-failure reason text, since Rego itself
// does not model short-circuit evaluation order.
//
// Grounded on original_source/poc/security/auth.py's AuthorizationPolicy
// for the rule shapes and exact reason-message wording, generalized to an
// embedded github.com/open-policy-agent/opa/v1/rego evaluator per the
// pattern kubernaut uses for its own ABAC decisions.
package policy

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/kraklabs/mpc-gateway/internal/domain"
	"github.com/kraklabs/mpc-gateway/internal/secrets"
)

// RoleTables is the data-driven policy configuration the engine evaluates
// against: role → allowed sensitivity levels, role → allowed processing
// hints, role → maximum cost per request in USD.
type RoleTables struct {
	Sensitivities map[domain.Role][]domain.Sensitivity
	Hints         map[domain.Role][]domain.ProcessingHint
	CostCeiling   map[domain.Role]float64
}

// ResourceAttrs describes the resource being accessed, composed by the
// orchestrator from request + config before calling Authorize.
type ResourceAttrs struct {
	Sensitivity    domain.Sensitivity
	ProcessingHint domain.ProcessingHint
	EstimatedCost  float64
}

// Engine evaluates authorization decisions against a fixed prepared Rego
// query. It is pure: no I/O, no clock dependency, and safe for concurrent
// use by multiple goroutines once constructed.
type Engine struct {
	tables  RoleTables
	prepped rego.PreparedEvalQuery
}

// New compiles the embedded policy module once and returns a ready Engine.
func New(ctx context.Context, tables RoleTables) (*Engine, error) {
	prepped, err := rego.New(
		rego.Query("data.gateway.policy"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "policy: compile rego module")
	}
	return &Engine{tables: tables, prepped: prepped}, nil
}

type evalOutput struct {
	SensitivityOK bool `json:"sensitivity_ok"`
	PermissionOK  bool `json:"permission_ok"`
	HintOK        bool `json:"hint_ok"`
	CostOK        bool `json:"cost_ok"`
}

// Authorize decides whether principal may perform action against a resource
// with the given attributes. Evaluation order is fixed: sensitivity access,
// then the pii-access permission override, then processing-hint access,
// then cost ceiling. The first failing check returns its specific reason.
func (e *Engine) Authorize(ctx context.Context, principal *secrets.Principal, action string, attrs ResourceAttrs) (bool, string, error) {
	if _, ok := e.tables.Sensitivities[principal.Role]; !ok {
		return false, fmt.Sprintf("role %q has no configured sensitivity policy", principal.Role), nil
	}
	if _, ok := e.tables.CostCeiling[principal.Role]; !ok {
		return false, fmt.Sprintf("role %q has no configured cost ceiling", principal.Role), nil
	}

	input := map[string]any{
		"role":            string(principal.Role),
		"permissions":     permissionStrings(principal.Permissions),
		"action":          action,
		"sensitivity":     string(attrs.Sensitivity),
		"processing_hint": string(attrs.ProcessingHint),
		"estimated_cost":  attrs.EstimatedCost,
		"policies":        e.policyDocument(),
	}

	results, err := e.prepped.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", errors.Wrap(err, "policy: eval")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", errors.New("policy: eval produced no result")
	}

	out, err := decodeOutput(results[0].Expressions[0].Value)
	if err != nil {
		return false, "", err
	}

	if !out.SensitivityOK {
		return false, fmt.Sprintf("role %q not allowed to access %q data", principal.Role, attrs.Sensitivity), nil
	}
	if !out.PermissionOK {
		return false, fmt.Sprintf("permission %q required for %q data", domain.PermissionPIIAccess, attrs.Sensitivity), nil
	}
	if !out.HintOK {
		return false, fmt.Sprintf("role %q not allowed to use processing hint %q", principal.Role, attrs.ProcessingHint), nil
	}
	if !out.CostOK {
		return false, fmt.Sprintf("estimated cost $%.4f exceeds limit $%.4f for role %q",
			attrs.EstimatedCost, e.tables.CostCeiling[principal.Role], principal.Role), nil
	}
	return true, "", nil
}

func (e *Engine) policyDocument() map[string]any {
	sens := make(map[string]any, len(e.tables.Sensitivities))
	for role, levels := range e.tables.Sensitivities {
		sens[string(role)] = sensitivityStrings(levels)
	}
	hints := make(map[string]any, len(e.tables.Hints))
	for role, hs := range e.tables.Hints {
		hints[string(role)] = hintStrings(hs)
	}
	ceilings := make(map[string]any, len(e.tables.CostCeiling))
	for role, max := range e.tables.CostCeiling {
		ceilings[string(role)] = max
	}
	return map[string]any{
		"sensitivities": sens,
		"hints":         hints,
		"cost_ceiling":  ceilings,
	}
}

func permissionStrings(p domain.PermissionSet) []string {
	slice := p.Slice()
	out := make([]string, len(slice))
	for i, v := range slice {
		out[i] = string(v)
	}
	return out
}

func sensitivityStrings(levels []domain.Sensitivity) []string {
	out := make([]string, len(levels))
	for i, v := range levels {
		out[i] = string(v)
	}
	return out
}

func hintStrings(hints []domain.ProcessingHint) []string {
	out := make([]string, len(hints))
	for i, v := range hints {
		out[i] = string(v)
	}
	return out
}

func decodeOutput(v any) (evalOutput, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return evalOutput{}, errors.Newf("policy: unexpected eval result shape %T", v)
	}
	var out evalOutput
	out.SensitivityOK, _ = m["sensitivity_ok"].(bool)
	out.PermissionOK, _ = m["permission_ok"].(bool)
	out.HintOK, _ = m["hint_ok"].(bool)
	out.CostOK, _ = m["cost_ok"].(bool)
	return out, nil
}
