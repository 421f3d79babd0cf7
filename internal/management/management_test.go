package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/mpc-gateway/internal/audit"
	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/config"
	"github.com/kraklabs/mpc-gateway/internal/domain"
	"github.com/kraklabs/mpc-gateway/internal/metrics"
	"github.com/kraklabs/mpc-gateway/internal/obslog"
)

func testConfig(token string) *config.Config {
	cfg := config.Defaults()
	cfg.ManagementToken = token
	return cfg
}

func testRegistry() *backend.Registry {
	r := backend.New()
	r.Register(backend.Descriptor{
		ID:                 "small-1",
		Type:               domain.BackendLLMSmall,
		Capabilities:       domain.NewCapabilitySet(domain.CapabilityTextGeneration),
		SensitivityAllowed: map[domain.Sensitivity]struct{}{domain.SensitivityPublic: {}},
	})
	return r
}

func newTestServer(t *testing.T, token, auditPath string) *Server {
	t.Helper()
	cfg := testConfig(token)
	return New(cfg, testRegistry(), metrics.New(), auditPath, obslog.NewNop())
}

func TestStatusOK(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestBackendsListsRegisteredDescriptors(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/backends", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var descriptors []backend.Descriptor
	if err := json.Unmarshal(w.Body.Bytes(), &descriptors); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].ID != "small-1" {
		t.Errorf("expected [small-1], got %+v", descriptors)
	}
}

func TestAuthNoTokenPassesThrough(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuthValidToken(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuthInvalidToken(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuthMissingToken(t *testing.T) {
	srv := newTestServer(t, "secret123", "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestAuditQueryByType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.Open(path, 16, obslog.NewNop())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	sink.Emit(audit.Event{ID: "req-1", Timestamp: time.Now(), Type: "request-received", Actor: "system"})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	srv := newTestServer(t, "", path)
	req := httptest.NewRequest(http.MethodGet, "/audit?type=request-received", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var events []audit.Event
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(events) != 1 || events[0].ID != "req-1" {
		t.Errorf("expected one matching event, got %+v", events)
	}
}

func TestAuditQueryRequiresAFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	srv := newTestServer(t, "", path)
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 with no filter, got %d", w.Code)
	}
}

func TestMetricsJSONSnapshot(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
}

func TestMetricsPrometheusExposition(t *testing.T) {
	srv := newTestServer(t, "", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty Prometheus exposition body")
	}
}
