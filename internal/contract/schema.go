package contract

import (
	"github.com/go-faster/errors"
)

// field describes one named, typed, required/optional payload field.
type field struct {
	name     string
	required bool
	kind     func(v any) bool
}

// Schema is a payload-schema's field descriptor table. Validation rejects
// any payload field not named here, and any required field that is
// missing.
type Schema struct {
	fields []field
}

func isString(v any) bool { _, ok := v.(string); return ok }
func isNumber(v any) bool { _, ok := v.(float64); return ok } // json.Unmarshal decodes numbers as float64
func isBool(v any) bool   { _, ok := v.(bool); return ok }
func isArray(v any) bool  { _, ok := v.([]any); return ok }
func isAny(any) bool      { return true }

// registry maps payload-schema name to its Schema.
var registry = map[string]Schema{
	"llm.request.v1": {fields: []field{
		{"prompt", true, isString},
		{"model", false, isString},
		{"system_prompt", false, isString},
		{"parameters", false, isAny},
		{"max_tokens", false, isNumber},
		{"temperature", false, isNumber},
	}},
	"llm.response.v1": {fields: []field{
		{"text", true, isString},
		{"tokens_used", false, isNumber},
		{"finish_reason", false, isString},
	}},
	"llm.security_scan.v1": {fields: []field{
		{"text", true, isString},
		{"detectors", false, isArray},
	}},
	"llm.classification.v1": {fields: []field{
		{"text", true, isString},
		{"labels", false, isArray},
	}},
}

// ValidatedPayload is a payload that has passed schema validation.
type ValidatedPayload map[string]any

// ValidatePayload validates payload against the named schema: unknown
// fields fail validation, missing required fields fail validation,
// present fields must match their declared kind.
func ValidatePayload(schemaName string, payload map[string]any) (ValidatedPayload, error) {
	schema, ok := registry[schemaName]
	if !ok {
		return nil, errors.Wrapf(ErrSchemaValidation, "unknown payload-schema %q", schemaName)
	}

	known := make(map[string]field, len(schema.fields))
	for _, f := range schema.fields {
		known[f.name] = f
	}

	for name, value := range payload {
		f, ok := known[name]
		if !ok {
			return nil, errors.Wrapf(ErrSchemaValidation, "schema %q: unknown field %q", schemaName, name)
		}
		if !f.kind(value) {
			return nil, errors.Wrapf(ErrSchemaValidation, "schema %q: field %q has the wrong type", schemaName, name)
		}
	}

	for _, f := range schema.fields {
		if !f.required {
			continue
		}
		if _, ok := payload[f.name]; !ok {
			return nil, errors.Wrapf(ErrSchemaValidation, "schema %q: missing required field %q", schemaName, f.name)
		}
	}

	return ValidatedPayload(payload), nil
}

// RegisteredSchemas returns every payload-schema name the registry knows,
// for diagnostics and the management API.
func RegisteredSchemas() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
