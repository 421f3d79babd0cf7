// Package gateway implements the Gateway Orchestrator: the single
// component that coordinates the Contract Codec, secret-keyed token/
// signature verification, the Policy Engine, the PII scanner, the Router,
// and the Backend Dispatcher into one per-request nine-stage sequence,
// emitting audit events for the received request, authentication and
// signature failures, authorization decisions, PII and injection hits, PII
// routing blocks, and every dispatch attempt. Envelopes that fail to decode
// and requests the router cannot place produce no audit event.
//
// Grounded on original_source/poc/mpc_server/server.py's MPCServer.
// process_request (the exact stage ordering and early-return-on-failure
// shape) and on the teacher's top-level proxy handler for the
// semaphore-bounded admission and context-deadline idioms.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/kraklabs/mpc-gateway/internal/audit"
	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/config"
	"github.com/kraklabs/mpc-gateway/internal/contract"
	"github.com/kraklabs/mpc-gateway/internal/dispatcher"
	"github.com/kraklabs/mpc-gateway/internal/domain"
	"github.com/kraklabs/mpc-gateway/internal/idempotency"
	"github.com/kraklabs/mpc-gateway/internal/metrics"
	"github.com/kraklabs/mpc-gateway/internal/obslog"
	"github.com/kraklabs/mpc-gateway/internal/pii"
	"github.com/kraklabs/mpc-gateway/internal/policy"
	"github.com/kraklabs/mpc-gateway/internal/router"
	"github.com/kraklabs/mpc-gateway/internal/secrets"
)

// envelopeProtocolVersion is the mpc_version every response envelope this
// gateway emits carries, regardless of the request's own mpc_version.
const envelopeProtocolVersion = "1.0"

// Gateway owns every component the orchestrator coordinates. It holds no
// per-request state; Process is safe for concurrent use.
type Gateway struct {
	cfg *config.Config

	tokens *secrets.TokenMinter
	sigs   *secrets.SignatureSigner
	policy *policy.Engine
	pii    *pii.Scanner
	inject *pii.InjectionDetector

	registry   *backend.Registry
	dispatcher *dispatcher.Dispatcher
	idem       *idempotency.Store

	audit   *audit.Sink
	metrics *metrics.Metrics
	log     *obslog.Logger
}

// New assembles a Gateway from its already-constructed components.
func New(
	cfg *config.Config,
	tokens *secrets.TokenMinter,
	sigs *secrets.SignatureSigner,
	policyEngine *policy.Engine,
	scanner *pii.Scanner,
	injector *pii.InjectionDetector,
	registry *backend.Registry,
	disp *dispatcher.Dispatcher,
	idem *idempotency.Store,
	auditSink *audit.Sink,
	m *metrics.Metrics,
	log *obslog.Logger,
) *Gateway {
	return &Gateway{
		cfg:        cfg,
		tokens:     tokens,
		sigs:       sigs,
		policy:     policyEngine,
		pii:        scanner,
		inject:     injector,
		registry:   registry,
		dispatcher: disp,
		idem:       idem,
		audit:      auditSink,
		metrics:    m,
		log:        log,
	}
}

// Process runs the full nine-stage sequence against one raw envelope and
// returns the encoded response envelope bytes plus the HTTP status that
// should carry them. expectedKind is the request type the calling route
// requires (domain.KindProcess, domain.KindQuery, domain.KindBatch); a zero
// value skips the check, and an envelope naming a different kind fails
// schema validation.
func (g *Gateway) Process(ctx context.Context, raw []byte, expectedKind domain.RequestKind) ([]byte, int) {
	start := time.Now()

	// Stage 1: decode.
	env, err := contract.Decode(raw)
	if err != nil {
		g.metrics.RecordRequest("schema-validation-failed", time.Since(start))
		return g.errorResponse(peekRequestID(raw), domain.ErrSchemaValidationFailed, err.Error())
	}
	if expectedKind != "" && env.RequestKind != expectedKind {
		g.metrics.RecordRequest("schema-validation-failed", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrSchemaValidationFailed,
			"request type "+string(env.RequestKind)+" does not match endpoint")
	}

	g.emit(audit.Event{
		ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventRequestReceived),
		Actor: env.Source.ApplicationID, Action: "decode", Resource: env.PayloadSchema,
		Outcome: string(domain.OutcomeSuccess), Sensitivity: string(env.ProcessingCfg.Sensitivity),
	})

	// Stage 2: verify token.
	principal, err := g.tokens.Verify(env.Auth.Token)
	if err != nil {
		g.emit(audit.Event{
			ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventRequestDenied),
			Actor: env.Source.ApplicationID, Action: "authenticate", Resource: env.PayloadSchema,
			Outcome: string(domain.OutcomeFailure), Context: map[string]any{"reason": err.Error()},
		})
		g.metrics.RecordRequest("authentication-failed", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrAuthenticationFailed, err.Error())
	}

	// Idempotent replay: short-circuits everything past authentication.
	if env.IdempotencyKey != "" && g.idem != nil {
		if cached, hit := g.idem.Get(principal.ClientID, env.IdempotencyKey); hit {
			g.metrics.RecordRequest("ok-cached", time.Since(start))
			return cached, 200
		}
	}

	// Stage 3: verify payload signature, if supplied.
	if env.Auth.PayloadSignature != "" {
		canonical, marshalErr := contract.CanonicalPayload(env.Payload)
		if marshalErr != nil || !g.sigs.Verify(canonical, env.Auth.PayloadSignature) {
			g.emit(audit.Event{
				ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventRequestDenied),
				Actor: principal.ClientID, Action: "verify-signature", Resource: env.PayloadSchema,
				Outcome: string(domain.OutcomeFailure), Context: map[string]any{"reason": "payload signature mismatch"},
			})
			g.metrics.RecordRequest("signature-verification-failed", time.Since(start))
			return g.errorResponse(env.RequestID, domain.ErrSignatureVerificationFail, "payload signature mismatch")
		}
	}

	// Stage 4: policy decision. The cost estimate used for the ceiling
	// check is the cheapest candidate's estimated cost under the request's
	// capability/sensitivity/hint, computed without the cost/latency
	// constraints the router itself would apply in Stage 2 — routing
	// proper has not run yet, so this is a deliberate, documented
	// approximation rather than the final routing decision's cost.
	capability := router.InferCapability(env.PayloadSchema)
	prompt := promptText(env.Payload)
	estimatedTokens := estimateTokens(prompt)
	estimatedCost := g.estimateCandidateCost(capability, env.ProcessingCfg.Sensitivity, env.ProcessingCfg.ProcessingHint, estimatedTokens)

	attrs := policy.ResourceAttrs{
		Sensitivity:    env.ProcessingCfg.Sensitivity,
		ProcessingHint: env.ProcessingCfg.ProcessingHint,
		EstimatedCost:  estimatedCost,
	}
	authorized, reason, err := g.policy.Authorize(ctx, principal, "process", attrs)
	if err != nil {
		g.metrics.RecordRequest("internal-error", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrInternal, err.Error())
	}
	if !authorized {
		g.emit(audit.Event{
			ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventRequestDenied),
			Actor: principal.ClientID, Action: "authorize", Resource: env.PayloadSchema,
			Outcome: string(domain.OutcomeDenied), Sensitivity: string(env.ProcessingCfg.Sensitivity),
			Context: map[string]any{"reason": reason},
		})
		g.metrics.PolicyDenied.Inc()
		g.metrics.RecordRequest("authorization-failed", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrAuthorizationFailed, reason)
	}
	g.emit(audit.Event{
		ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventRequestAuthorized),
		Actor: principal.ClientID, Action: "authorize", Resource: env.PayloadSchema,
		Outcome: string(domain.OutcomeSuccess), Sensitivity: string(env.ProcessingCfg.Sensitivity),
	})

	// Stage 5: PII (and companion injection) detection.
	flags := contract.SecurityFlags{}
	var detection pii.DetectionResult
	if env.ProcessingCfg.EnablePIIDetection && g.pii != nil {
		detection = g.pii.Detect(prompt)
		flags.HasPII = detection.HasPII
		flags.PIITypes = detection.Types
		if detection.HasPII {
			for _, t := range detection.Types {
				g.metrics.PIIDetections.WithLabelValues(string(t)).Inc()
			}
			g.emit(audit.Event{
				ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventPIIDetected),
				Actor: principal.ClientID, Action: "pii-scan", Resource: env.PayloadSchema,
				Outcome: string(domain.OutcomeSuccess),
				Context: map[string]any{"pii-types": detection.Types},
			})
		}
	}
	if env.ProcessingCfg.EnableInjectionDetection && g.inject != nil && g.inject.Detect(prompt) {
		flags.InjectionDetected = true
		g.metrics.InjectionHits.Inc()
		g.emit(audit.Event{
			ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventInjectionDetected),
			Actor: principal.ClientID, Action: "injection-scan", Resource: env.PayloadSchema,
			Outcome: string(domain.OutcomeSuccess),
		})
	}

	// Stage 6: PII-aware routing block check.
	if blocked, blockReason := g.piiRoutingBlocked(detection, env.ProcessingCfg.ProcessingHint); blocked {
		g.emit(audit.Event{
			ID: env.RequestID, Timestamp: time.Now(), Type: string(domain.EventSecurityViolation),
			Actor: principal.ClientID, Action: "pii-routing-check", Resource: env.PayloadSchema,
			Outcome: string(domain.OutcomeDenied),
			Context: map[string]any{"violation-type": "pii_routing_violation", "reason": blockReason},
		})
		g.metrics.RecordRequest("pii-routing-blocked", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrPIIRoutingBlocked, blockReason)
	}

	// Stages 7+8 share one wall-clock deadline.
	deadline := time.Duration(env.ProcessingCfg.TimeoutMs) * time.Millisecond
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Stage 7: route.
	snap := g.registry.Snapshot()
	decision, err := router.Route(router.Request{
		Capability:      capability,
		Sensitivity:     env.ProcessingCfg.Sensitivity,
		ProcessingHint:  env.ProcessingCfg.ProcessingHint,
		EstimatedTokens: estimatedTokens,
		TimeoutMs:       int64(env.ProcessingCfg.TimeoutMs),
		MaxRetries:      env.ProcessingCfg.MaxRetries,
	}, snap)
	if err != nil {
		g.metrics.RoutingFailures.Inc()
		g.metrics.RecordRequest("routing-failed", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrRoutingFailed, err.Error())
	}

	// Stage 8: dispatch with cascade.
	chain := dispatcher.Chain(decision.PrimaryBackendID, decision.FallbackBackends)
	thresholds := dispatcher.ThresholdsFrom(snap)
	dispatch, err := g.dispatcher.Run(dctx, chain, thresholds, env.Payload)
	for _, attempt := range dispatch.Attempts {
		g.recordAttempt(env.RequestID, principal.ClientID, attempt)
	}
	if err != nil {
		code := domain.ErrBackendFailed
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			code = domain.ErrTimeout
		}
		g.metrics.RecordRequest(string(code), time.Since(start))
		return g.errorResponse(env.RequestID, code, err.Error())
	}
	if dispatch.FallbackUsed {
		g.metrics.CascadeFallback.Inc()
	}
	g.metrics.RecordBackendDispatch(dispatch.Result.BackendID, time.Duration(dispatch.Result.LatencyMs)*time.Millisecond, dispatch.Result.CostUSD)

	// Stage 9: construct the response envelope.
	resp := contract.Response{
		ProtocolVersion: envelopeProtocolVersion,
		RequestID:       env.RequestID,
		ResponseID:      contract.NewResponseID(),
		Timestamp:       time.Now().UTC(),
		Status:          domain.StatusOK,
		Processing: &contract.Processing{
			BackendID:    dispatch.Result.BackendID,
			LatencyMs:    dispatch.Result.LatencyMs,
			CostUSD:      dispatch.Result.CostUSD,
			Confidence:   dispatch.Result.Confidence,
			FallbackUsed: dispatch.FallbackUsed,
		},
		SecurityFlags: flags,
		Result:        map[string]any{"text": dispatch.Result.Response},
	}
	body, encErr := contract.Encode(resp)
	if encErr != nil {
		g.metrics.RecordRequest("internal-error", time.Since(start))
		return g.errorResponse(env.RequestID, domain.ErrInternal, encErr.Error())
	}

	if env.IdempotencyKey != "" && g.idem != nil {
		g.idem.Put(principal.ClientID, env.IdempotencyKey, body)
	}
	g.metrics.RecordRequest("ok", time.Since(start))
	return body, 200
}

// recordAttempt emits the per-attempt audit record spec.md §4.9 requires:
// every cascade attempt gets its own processing-completed/processing-failed
// event, regardless of whether the overall dispatch ultimately succeeded.
func (g *Gateway) recordAttempt(requestID, actor string, a dispatcher.Outcome) {
	ev := audit.Event{
		ID: requestID, Timestamp: time.Now(), Actor: actor, Action: "dispatch", Resource: a.BackendID,
	}
	if a.Success {
		ev.Type = string(domain.EventProcessingDone)
		ev.Outcome = string(domain.OutcomeSuccess)
	} else {
		ev.Type = string(domain.EventProcessingFailed)
		ev.Outcome = string(domain.OutcomeFailure)
		if a.Err != nil {
			ev.Context = map[string]any{"reason": a.Err.Error(), "retryable": a.Retryable}
		}
	}
	g.emit(ev)
}

// estimateCandidateCost approximates the cost the policy ceiling check
// compares against, ahead of the router proper running in Stage 7: the
// cheapest backend satisfying capability/sensitivity/hint, with no cost or
// latency constraint applied. A Stage 1 failure here (no such backend)
// yields a zero estimate and defers the real error to Stage 7's routing
// call, which runs the authoritative candidate search.
func (g *Gateway) estimateCandidateCost(cap domain.Capability, sensitivity domain.Sensitivity, hint domain.ProcessingHint, estimatedTokens int) float64 {
	decision, err := router.Route(router.Request{
		Capability:      cap,
		Sensitivity:     sensitivity,
		ProcessingHint:  hint,
		EstimatedTokens: estimatedTokens,
	}, g.registry.Snapshot())
	if err != nil {
		return 0
	}
	return decision.EstimatedCostUSD
}

// piiRoutingBlocked implements the Stage 6 PII-aware routing check: a
// non-auto, non-hybrid hint that restricts candidates to backend types none
// of which are pii-allowed is an out-of-policy route for PII-bearing text.
func (g *Gateway) piiRoutingBlocked(detection pii.DetectionResult, hint domain.ProcessingHint) (bool, string) {
	if !detection.HasPII {
		return false, ""
	}
	types, restricted := router.AllowedTypesForHint(hint)
	if !restricted {
		return false, ""
	}
	allowedSet := make(map[domain.BackendType]struct{}, len(types))
	for _, t := range types {
		allowedSet[t] = struct{}{}
	}
	for _, d := range g.registry.Snapshot().All() {
		if _, ok := allowedSet[d.Type]; ok && d.PIIAllowed {
			return false, ""
		}
	}
	return true, "processing hint " + string(hint) + " only routes to backend types not cleared for PII data"
}

func (g *Gateway) errorResponse(requestID string, code domain.ErrorCode, message string) ([]byte, int) {
	resp := contract.Response{
		ProtocolVersion: envelopeProtocolVersion,
		RequestID:       requestID,
		ResponseID:      contract.NewResponseID(),
		Timestamp:       time.Now().UTC(),
		Status:          domain.StatusError,
		Error:           &contract.ErrorDetail{Code: code, Message: message},
		SecurityFlags:   contract.SecurityFlags{},
	}
	body, err := contract.Encode(resp)
	if err != nil {
		return []byte(`{"status":"error","error":{"code":"internal-error"}}`), 500
	}
	return body, httpStatusFor(code)
}

func httpStatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrSchemaValidationFailed:
		return 400
	case domain.ErrAuthenticationFailed, domain.ErrSignatureVerificationFail:
		return 401
	case domain.ErrAuthorizationFailed, domain.ErrPIIRoutingBlocked:
		return 403
	case domain.ErrRoutingFailed, domain.ErrBackendFailed:
		return 502
	case domain.ErrTimeout:
		return 504
	case domain.ErrResourceExhausted:
		return 429
	default:
		return 500
	}
}

func (g *Gateway) emit(ev audit.Event) {
	if g.audit == nil {
		return
	}
	g.audit.Emit(ev)
}

// promptText pulls the free-text field Stage 5 scans: "prompt" for
// llm.request.v1 payloads, "text" for the scan/classification schemas.
func promptText(payload map[string]any) string {
	if v, ok := payload["prompt"].(string); ok {
		return v
	}
	if v, ok := payload["text"].(string); ok {
		return v
	}
	return ""
}

// estimateTokens mirrors original_source's rough word-count heuristic:
// roughly 1.5 tokens per whitespace-delimited word.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.5)
}

// peekRequestID best-effort extracts request-id from a raw envelope that
// failed full decoding, so even a schema-validation-failed response can
// echo back the caller's request-id when present.
func peekRequestID(raw []byte) string {
	id, ok := contract.PeekRequestID(raw)
	if !ok {
		return "unknown"
	}
	return id
}
