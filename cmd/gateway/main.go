// Command gateway is the policy-aware AI request gateway.
//
// It decodes and authenticates client request envelopes, authorizes them
// against a role-based policy, scans prompts for PII and prompt-injection
// attempts, routes the request to a capability-matched backend under a
// cascading fallback chain, and returns a normalized response envelope —
// emitting audit events along the way (package gateway lists which stages
// emit them).
//
// Usage:
//
//	./gateway
//	./gateway -config gateway-config.yaml
//
//	# Override select settings via environment
//	GATEWAY_PORT=9443 MANAGEMENT_PORT=9444 ./gateway
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraklabs/mpc-gateway/internal/audit"
	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/config"
	"github.com/kraklabs/mpc-gateway/internal/dispatcher"
	"github.com/kraklabs/mpc-gateway/internal/domain"
	"github.com/kraklabs/mpc-gateway/internal/gateway"
	"github.com/kraklabs/mpc-gateway/internal/idempotency"
	"github.com/kraklabs/mpc-gateway/internal/management"
	"github.com/kraklabs/mpc-gateway/internal/metrics"
	"github.com/kraklabs/mpc-gateway/internal/obslog"
	"github.com/kraklabs/mpc-gateway/internal/pii"
	"github.com/kraklabs/mpc-gateway/internal/policy"
	"github.com/kraklabs/mpc-gateway/internal/secrets"
)

// newRing builds a Keyring with current installed as the active key and, if
// non-empty, previous installed as the fallback verification key.
func newRing(current, previous string) *secrets.Keyring {
	if previous == "" {
		return secrets.NewKeyring([]byte(current))
	}
	ring := secrets.NewKeyring([]byte(previous))
	ring.Rotate([]byte(current))
	return ring
}

// toDescriptor converts a config-file backend entry into the registry's
// runtime descriptor shape.
func toDescriptor(b config.BackendConfig) backend.Descriptor {
	allowed := make(map[domain.Sensitivity]struct{}, len(b.SensitivityAllowed))
	for _, s := range b.SensitivityAllowed {
		allowed[s] = struct{}{}
	}
	return backend.Descriptor{
		ID:                  b.ID,
		Type:                b.Type,
		Capabilities:        domain.NewCapabilitySet(b.Capabilities...),
		CostPer1kTokens:     b.CostPer1kTokens,
		AvgLatencyMs:        b.AvgLatencyMs,
		MaxTokens:           b.MaxTokens,
		ConfidenceThreshold: b.ConfidenceThreshold,
		PIIAllowed:          b.PIIAllowed,
		SensitivityAllowed:  allowed,
	}
}

func main() {
	configPath := flag.String("config", "gateway-config.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[GATEWAY] config: %v", err)
	}

	logger := obslog.New("gateway", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	printBanner(cfg)

	tokenRing := newRing(cfg.TokenSigningKey, cfg.PreviousSigningKey)
	minter := secrets.NewTokenMinter(tokenRing, cfg.TokenTTL, cfg.ClockSkewTolerance)

	payloadRing := newRing(cfg.PayloadSigningKey, cfg.PreviousPayloadKey)
	sigs := secrets.NewSignatureSigner(payloadRing)

	ctx := context.Background()
	policyEngine, err := policy.New(ctx, policy.RoleTables{
		Sensitivities: cfg.RoleSensitivity,
		Hints:         cfg.RoleHints,
		CostCeiling:   cfg.RoleMaxCostUSD,
	})
	if err != nil {
		log.Fatalf("[GATEWAY] policy: %v", err)
	}

	scanner := pii.New(pii.WithLogger(logger), pii.WithCacheCapacity(cfg.PIICacheCapacity))
	injector := pii.NewInjectionDetector()

	registry := backend.New()
	for _, b := range cfg.Backends {
		registry.Register(toDescriptor(b))
	}

	// Backend adapters are out of scope: this gateway routes and dispatches,
	// it does not itself speak any backend's wire protocol. Each configured
	// backend needs a caller-supplied Adapter registered before dispatch can
	// succeed; none are wired here.
	disp := dispatcher.New(map[string]dispatcher.Adapter{})

	idem, err := idempotency.New(cfg.IdempotencyCache, cfg.IdempotencyCap, cfg.IdempotencyTTL)
	if err != nil {
		log.Fatalf("[GATEWAY] idempotency store: %v", err)
	}
	defer idem.Close() //nolint:errcheck

	auditSink, err := audit.Open(cfg.AuditLogPath, cfg.AuditBufferSize, logger)
	if err != nil {
		log.Fatalf("[GATEWAY] audit sink: %v", err)
	}
	defer auditSink.Close() //nolint:errcheck

	m := metrics.New()

	gw := gateway.New(cfg, minter, sigs, policyEngine, scanner, injector, registry, disp, idem, auditSink, m, logger)
	gwServer := gateway.NewServer(gw)

	mgmt := management.New(cfg, registry, m, cfg.AuditLogPath, logger)

	go func() {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MANAGEMENT] fatal: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.GatewayPort)
	logger.Infof("gateway-listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           gwServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Infof("gateway-shutdown", "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("gateway-shutdown", "shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[GATEWAY] fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          MPC Gateway                                 ║
╚══════════════════════════════════════════════════════╝
  Gateway port    : %d
  Management port : %d
  Max in-flight   : %d
  Max payload     : %d bytes
  Audit log       : %s
  Backends loaded : %d

  Check status:
    curl http://localhost:%d/status
`, cfg.GatewayPort, cfg.ManagementPort, cfg.MaxInFlight, cfg.MaxPayloadBytes,
		cfg.AuditLogPath, len(cfg.Backends), cfg.ManagementPort)
}
