// Package contract implements the Contract Codec: decoding and validating
// request envelopes, validating named payload schemas, and encoding
// response envelopes.
//
// Grounded on original_source/poc/mpc_server's request/response dataclasses
// for the envelope field set and its snake_case wire vocabulary, and on the
// teacher's preference for explicit Go structs over reflection-heavy
// validation for the envelope itself (go-playground/validator struct
// tags); payload-shape validation is table-driven hand-written Go, not
// reflection, so an unknown field in a map[string]any payload is rejected
// explicitly.
package contract

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

var validate = validator.New()

// ErrSchemaValidation is wrapped with details for any envelope or payload
// validation failure.
var ErrSchemaValidation = errors.New("schema-validation-failed")

// Source describes the originating application for an envelope.
type Source struct {
	ApplicationID string `json:"application_id" validate:"required"`
	Environment   string `json:"environment" validate:"required"`
	Version       string `json:"version,omitempty"`
	Region        string `json:"region,omitempty"`
}

// ProcessingConfig is the per-request processing configuration, with
// documented defaults applied for any absent field.
type ProcessingConfig struct {
	Sensitivity              domain.Sensitivity    `json:"sensitivity,omitempty"`
	ProcessingHint           domain.ProcessingHint `json:"processing_hint,omitempty"`
	ReturnRoute              domain.ReturnRoute    `json:"return_route,omitempty" validate:"oneof=sync async-webhook async-queue"`
	TimeoutMs                int                   `json:"timeout_ms,omitempty" validate:"gte=0"`
	EnablePIIDetection       bool                  `json:"enable_pii_detection"`
	EnableInjectionDetection bool                  `json:"enable_injection_detection"`
	MaxRetries               int                   `json:"max_retries" validate:"gte=0"`
}

// defaultProcessingConfig documents the absent-field defaults spec.md
// names: sensitivity=internal, processing_hint=auto, timeout_ms=30000,
// max_retries=0.
func defaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Sensitivity:    domain.SensitivityInternal,
		ProcessingHint: domain.HintAuto,
		ReturnRoute:    domain.RouteSync,
		TimeoutMs:      30000,
		MaxRetries:     0,
	}
}

// applyDefaults fills zero-valued fields of cfg with documented defaults.
func applyDefaults(cfg ProcessingConfig) ProcessingConfig {
	d := defaultProcessingConfig()
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = d.Sensitivity
	}
	if cfg.ProcessingHint == "" {
		cfg.ProcessingHint = d.ProcessingHint
	}
	if cfg.ReturnRoute == "" {
		cfg.ReturnRoute = d.ReturnRoute
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = d.TimeoutMs
	}
	return cfg
}

// AuthBlock carries the request's bearer token and optional payload
// signature.
type AuthBlock struct {
	Token            string `json:"token" validate:"required"`
	PayloadSignature string `json:"payload_signature,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
}

// Envelope is the decoded request envelope, keyed exactly as the external
// wire contract names them (spec §6's minimal request example).
type Envelope struct {
	ProtocolVersion string             `json:"mpc_version" validate:"required"`
	RequestID       string             `json:"request_id" validate:"required"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
	Timestamp       time.Time          `json:"timestamp" validate:"required"`
	Source          Source             `json:"source" validate:"required"`
	RequestKind     domain.RequestKind `json:"type" validate:"required,oneof=process_request query_request health_request batch_request"`
	PayloadSchema   string             `json:"payload_schema" validate:"required"`
	Payload         map[string]any     `json:"payload" validate:"required"`
	ProcessingCfg   ProcessingConfig   `json:"config"`
	Auth            AuthBlock          `json:"auth" validate:"required"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// Decode parses raw JSON bytes into a validated Envelope, applying
// config defaults and validating payload shape against the named schema
// in the registry.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrapf(ErrSchemaValidation, "decode envelope: %v", err)
	}
	env.ProcessingCfg = applyDefaults(env.ProcessingCfg)

	if err := validate.Struct(env); err != nil {
		return Envelope{}, errors.Wrapf(ErrSchemaValidation, "envelope: %v", err)
	}

	if _, err := ValidatePayload(env.PayloadSchema, env.Payload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ErrorDetail is the response envelope's nested error object.
type ErrorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message,omitempty"`
}

// Response is the outgoing response envelope, keyed exactly as spec §6's
// wire contract names them:
// {mpc_version, request_id, response_id, timestamp, status, result?,
// error?, processing?, security_flags, metadata}.
type Response struct {
	ProtocolVersion string         `json:"mpc_version"`
	RequestID       string         `json:"request_id"`
	ResponseID      string         `json:"response_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Status          domain.Status  `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           *ErrorDetail   `json:"error,omitempty"`
	Processing      *Processing    `json:"processing,omitempty"`
	SecurityFlags   SecurityFlags  `json:"security_flags"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Processing describes which backend served the request.
type Processing struct {
	BackendID    string  `json:"backend"`
	LatencyMs    float64 `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
	Confidence   float64 `json:"confidence"`
	FallbackUsed bool    `json:"fallback_used"`
}

// SecurityFlags carries PII/injection detection results back to the
// caller, never the raw matched values.
type SecurityFlags struct {
	HasPII            bool             `json:"has_pii"`
	PIITypes          []domain.PIIType `json:"pii_types,omitempty"`
	InjectionDetected bool             `json:"injection_detected"`
}

// NewResponseID generates the response envelope's unique response_id.
func NewResponseID() string {
	return uuid.NewString()
}

// Encode serializes resp to canonical JSON bytes.
func Encode(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "contract: encode response")
	}
	return b, nil
}

// CanonicalPayload returns the canonical byte encoding of a payload that a
// signature is computed and verified over. encoding/json sorts map keys
// when marshaling map[string]any, so this is stable for a given payload
// regardless of field insertion order.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "contract: canonicalize payload")
	}
	return b, nil
}

// PeekRequestID best-effort extracts the request_id field from a raw
// envelope without running full validation, so a decode failure can still
// echo the caller's request_id in its error response.
func PeekRequestID(raw []byte) (string, bool) {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil || partial.RequestID == "" {
		return "", false
	}
	return partial.RequestID, true
}
