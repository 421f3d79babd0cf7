package policy

// module is the embedded Rego policy that encodes the four authorization
// rule families. Role → allowed-sensitivities / allowed-hints / cost-ceiling
// tables are supplied per call as part of input.policies (sourced from
// internal/config), not compiled into the module, so a config reload never
// requires recompiling the prepared query.
const module = `
package gateway.policy

import rego.v1

default sensitivity_ok := false

sensitivity_ok if {
	allowed := input.policies.sensitivities[input.role]
	input.sensitivity in allowed
}

pii_access_required := {"sensitive", "pii", "confidential"}

default permission_ok := true

permission_ok := false if {
	input.sensitivity in pii_access_required
	not has_pii_access
}

has_pii_access if {
	"admin" in input.permissions
}

has_pii_access if {
	"pii-access" in input.permissions
}

default hint_ok := true

hint_ok := false if {
	input.processing_hint != ""
	allowed := input.policies.hints[input.role]
	not input.processing_hint in allowed
}

default cost_ok := true

cost_ok := false if {
	ceiling := input.policies.cost_ceiling[input.role]
	input.estimated_cost > ceiling
}
`
