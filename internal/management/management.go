// Package management provides a lightweight HTTP API for runtime
// inspection of the running gateway: backend registry contents, audit
// event queries, Prometheus metrics, and health.
//
// Endpoints:
//
//	GET  /status              - gateway health, uptime, registered backend ids
//	GET  /backends            - full backend descriptor list
//	GET  /audit?type=&actor=  - audit event query (by type or actor)
//	GET  /metrics             - Prometheus exposition format
//	GET  /metrics.json        - JSON metrics snapshot
package management

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/mpc-gateway/internal/audit"
	"github.com/kraklabs/mpc-gateway/internal/backend"
	"github.com/kraklabs/mpc-gateway/internal/config"
	"github.com/kraklabs/mpc-gateway/internal/metrics"
	"github.com/kraklabs/mpc-gateway/internal/obslog"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	registry  *backend.Registry
	metrics   *metrics.Metrics
	auditPath string
	token     string // bearer token for auth; empty = no auth
	log       *obslog.Logger
}

// New creates a management server.
func New(cfg *config.Config, registry *backend.Registry, m *metrics.Metrics, auditPath string, log *obslog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		startTime: time.Now(),
		registry:  registry,
		metrics:   m,
		auditPath: auditPath,
		token:     cfg.ManagementToken,
		log:       log,
	}
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(s.authMiddleware)

	r.Get("/status", s.handleStatus)
	r.Get("/backends", s.handleBackends)
	r.Get("/audit", s.handleAudit)
	r.Get("/metrics.json", s.handleMetricsJSON)
	r.Handle("/metrics", s.metricsHandler())

	return r
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !hasBearerPrefix(auth, prefix) || !constantTimeEqual(auth[len(prefix):], s.token) {
			s.log.Warnf("management-unauthorized", "rejected request from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status      string   `json:"status"`
		Uptime      string   `json:"uptime"`
		GatewayPort int      `json:"gatewayPort"`
		BackendIDs  []string `json:"backendIds"`
	}
	writeJSON(w, http.StatusOK, response{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		GatewayPort: s.cfg.GatewayPort,
		BackendIDs:  s.registry.List(),
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot().All())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditPath == "" {
		http.Error(w, "audit query not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()

	var (
		events []audit.Event
		err    error
	)
	switch {
	case q.Get("type") != "":
		events, err = audit.ByType(s.auditPath, q.Get("type"))
	case q.Get("actor") != "":
		events, err = audit.ByActor(s.auditPath, q.Get("actor"))
	case q.Get("from") != "" && q.Get("to") != "":
		from, ferr := time.Parse(time.RFC3339, q.Get("from"))
		to, terr := time.Parse(time.RFC3339, q.Get("to"))
		if ferr != nil || terr != nil {
			http.Error(w, "from/to must be RFC3339 timestamps", http.StatusBadRequest)
			return
		}
		events, err = audit.ByTimeRange(s.auditPath, from, to)
	default:
		http.Error(w, "one of type, actor, or from+to is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Errorf("management-audit-query", "%v", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // response already committed; nothing to recover
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.BindAddress + ":" + strconv.Itoa(s.cfg.ManagementPort)
	s.log.Infof("management-listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
