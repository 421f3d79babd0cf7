package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

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
	"github.com/kraklabs/mpc-gateway/internal/secrets"
)

type fakeAdapter struct {
	result dispatcher.Result
}

func (f *fakeAdapter) Execute(_ context.Context, _ any) (dispatcher.Result, error) {
	return f.result, nil
}

func testRegistry() *backend.Registry {
	r := backend.New()
	r.Register(backend.Descriptor{
		ID:                  "small-1",
		Type:                domain.BackendLLMSmall,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		CostPer1kTokens:     0.001,
		AvgLatencyMs:        100,
		MaxTokens:           4000,
		ConfidenceThreshold: 0.5,
		PIIAllowed:          false,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic: {}, domain.SensitivityInternal: {},
		},
	})
	r.Register(backend.Descriptor{
		ID:                  "private-1",
		Type:                domain.BackendLLMPrivate,
		Capabilities:        domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		CostPer1kTokens:     0.01,
		AvgLatencyMs:        200,
		MaxTokens:           4000,
		ConfidenceThreshold: 0.5,
		PIIAllowed:          true,
		SensitivityAllowed: map[domain.Sensitivity]struct{}{
			domain.SensitivityPublic: {}, domain.SensitivityInternal: {}, domain.SensitivitySensitive: {},
		},
	})
	return r
}

func testPolicyTables() policy.RoleTables {
	return policy.RoleTables{
		Sensitivities: map[domain.Role][]domain.Sensitivity{
			domain.RoleUser:    {domain.SensitivityPublic, domain.SensitivityInternal},
			domain.RoleService: {domain.SensitivityPublic, domain.SensitivityInternal, domain.SensitivitySensitive},
		},
		Hints: map[domain.Role][]domain.ProcessingHint{
			domain.RoleUser:    {domain.HintAuto, domain.HintModelSmall},
			domain.RoleService: {domain.HintAuto, domain.HintModelSmall, domain.HintModelLarge, domain.HintModelPrivate},
		},
		CostCeiling: map[domain.Role]float64{
			domain.RoleUser:    0.10,
			domain.RoleService: 1.00,
		},
	}
}

type testHarness struct {
	gw     *Gateway
	minter *secrets.TokenMinter
	audit  *audit.Sink
}

func newHarness(t *testing.T, adapters map[string]dispatcher.Adapter) *testHarness {
	t.Helper()
	cfg := config.Defaults()

	ring := secrets.NewKeyring([]byte("signing-key-0123456789"))
	minter := secrets.NewTokenMinter(ring, 15*time.Minute, time.Minute)
	sigRing := secrets.NewKeyring([]byte("payload-key-0123456789"))
	sigs := secrets.NewSignatureSigner(sigRing)

	engine, err := policy.New(context.Background(), testPolicyTables())
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	scanner := pii.New()
	injector := pii.NewInjectionDetector()
	reg := testRegistry()
	disp := dispatcher.New(adapters)

	idem, err := idempotency.New("", 100, 10*time.Minute)
	if err != nil {
		t.Fatalf("idempotency.New: %v", err)
	}

	auditPath := t.TempDir() + "/audit.jsonl"
	sink, err := audit.Open(auditPath, 64, obslog.NewNop())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	gw := New(cfg, minter, sigs, engine, scanner, injector, reg, disp, idem, sink, metrics.New(), obslog.NewNop())
	return &testHarness{gw: gw, minter: minter, audit: sink}
}

func (h *testHarness) token(t *testing.T, role domain.Role, perms ...domain.Permission) string {
	t.Helper()
	tok, err := h.minter.Mint(secrets.PrincipalAttrs{
		ClientID:    "client-1",
		Role:        role,
		Permissions: domain.NewPermissionSet(perms...),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func envelopeJSON(t *testing.T, token, prompt, hint, idempotencyKey string) []byte {
	t.Helper()
	env := map[string]any{
		"mpc_version": "1.0",
		"request_id":  "req-1",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"source":      map[string]any{"application_id": "app-1", "environment": "prod"},
		"type":        "process_request",
		"payload_schema": "llm.request.v1",
		"payload":        map[string]any{"model": "auto", "prompt": prompt},
		"config": map[string]any{
			"sensitivity":          "internal",
			"processing_hint":      hint,
			"enable_pii_detection": true,
			"max_retries":          0,
		},
		"auth": map[string]any{"token": token},
	}
	if idempotencyKey != "" {
		env["idempotency_key"] = idempotencyKey
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func decodeResponse(t *testing.T, body []byte) contract.Response {
	t.Helper()
	var resp contract.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"small-1": &fakeAdapter{result: dispatcher.Result{BackendID: "small-1", Response: "hi there", Confidence: 0.9, CostUSD: 0.0001, LatencyMs: 10}},
	})
	token := h.token(t, domain.RoleUser, domain.PermissionRead)
	raw := envelopeJSON(t, token, "What is HTTPS?", "auto", "")

	body, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	resp := decodeResponse(t, body)
	if resp.Status != domain.StatusOK {
		t.Fatalf("expected ok status, got %+v", resp)
	}
	if resp.Processing == nil || resp.Processing.BackendID != "small-1" {
		t.Errorf("expected backend small-1, got %+v", resp.Processing)
	}
	if resp.SecurityFlags.HasPII {
		t.Error("expected no PII for this prompt")
	}
}

func TestProcessRejectsInvalidToken(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"small-1": &fakeAdapter{result: dispatcher.Result{BackendID: "small-1", Confidence: 0.9}},
	})
	raw := envelopeJSON(t, "not-a-valid-token", "hello", "auto", "")

	body, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 401 {
		t.Fatalf("expected 401, got %d: %s", status, body)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != domain.ErrAuthenticationFailed {
		t.Errorf("expected authentication-failed, got %+v", resp.Error)
	}
}

func TestProcessBlocksPIIOnRestrictiveHint(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"small-1": &fakeAdapter{result: dispatcher.Result{BackendID: "small-1", Confidence: 0.9}},
	})
	token := h.token(t, domain.RoleUser, domain.PermissionRead)
	raw := envelopeJSON(t, token, "my email is jane@example.com", "model:small", "")

	body, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 403 {
		t.Fatalf("expected 403, got %d: %s", status, body)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != domain.ErrPIIRoutingBlocked {
		t.Errorf("expected pii-routing-blocked, got %+v", resp.Error)
	}
}

func TestProcessAllowsPIIWhenHintRoutesToPIIAllowedBackend(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"private-1": &fakeAdapter{result: dispatcher.Result{BackendID: "private-1", Response: "ok", Confidence: 0.9, CostUSD: 0.001, LatencyMs: 20}},
	})
	token := h.token(t, domain.RoleService, domain.PermissionRead)
	raw := envelopeJSON(t, token, "my email is jane@example.com", "model:private", "")

	body, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	resp := decodeResponse(t, body)
	if !resp.SecurityFlags.HasPII {
		t.Error("expected has-pii=true")
	}
	if resp.Processing.BackendID != "private-1" {
		t.Errorf("expected private-1, got %+v", resp.Processing)
	}
}

func TestProcessRejectsKindMismatch(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"small-1": &fakeAdapter{result: dispatcher.Result{BackendID: "small-1", Confidence: 0.9}},
	})
	token := h.token(t, domain.RoleUser, domain.PermissionRead)
	raw := envelopeJSON(t, token, "hello", "auto", "")

	body, status := h.gw.Process(context.Background(), raw, domain.KindQuery)
	if status != 400 {
		t.Fatalf("expected 400, got %d: %s", status, body)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != domain.ErrSchemaValidationFailed {
		t.Errorf("expected schema-validation-failed, got %+v", resp.Error)
	}
}

func TestProcessIdempotentReplayReturnsCachedBody(t *testing.T) {
	h := newHarness(t, map[string]dispatcher.Adapter{
		"small-1": &fakeAdapter{result: dispatcher.Result{BackendID: "small-1", Response: "first", Confidence: 0.9, CostUSD: 0.0001, LatencyMs: 10}},
	})
	token := h.token(t, domain.RoleUser, domain.PermissionRead)
	raw := envelopeJSON(t, token, "hello", "auto", "idem-key-1")

	first, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 200 {
		t.Fatalf("first call: expected 200, got %d", status)
	}

	second, status := h.gw.Process(context.Background(), raw, domain.KindProcess)
	if status != 200 {
		t.Fatalf("second call: expected 200, got %d", status)
	}
	if string(first) != string(second) {
		t.Errorf("expected identical cached replay, got first=%s second=%s", first, second)
	}
}
