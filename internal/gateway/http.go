package gateway

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// Server serves the gateway's HTTP entrypoint: one route per request-kind,
// replacing the teacher's domain-sniffing transparent proxy with explicit
// POST routes. Admission is bounded by a fixed-weight semaphore; requests
// beyond it get resource-exhausted immediately rather than queueing
// unboundedly behind an already-saturated gateway.
type Server struct {
	gw  *Gateway
	sem *semaphore.Weighted
}

// NewServer wraps gw with HTTP routing and an admission semaphore sized by
// cfg.MaxInFlight.
func NewServer(gw *Gateway) *Server {
	return &Server{gw: gw, sem: semaphore.NewWeighted(int64(gw.cfg.MaxInFlight))}
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/process", s.handle(domain.KindProcess))
	r.Post("/v1/query", s.handle(domain.KindQuery))
	r.Post("/v1/batch", s.handle(domain.KindBatch))
	r.Get("/v1/health", s.handleHealth)
	return r
}

func (s *Server) handle(kind domain.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			writeResourceExhausted(w)
			return
		}
		defer s.sem.Release(1)

		r.Body = http.MaxBytesReader(w, r.Body, s.gw.cfg.MaxPayloadBytes)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writePayloadTooLarge(w)
			return
		}

		body, status := s.gw.Process(r.Context(), raw, kind)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck // response already committed
	}
}

// handleHealth is a liveness probe: it never runs the envelope pipeline, so
// it stays available even when every backend in the registry is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func writeResourceExhausted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(1))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"status":"error","error":{"code":"` + string(domain.ErrResourceExhausted) + `"},"retry_after_ms":1000}`)) //nolint:errcheck
}

func writePayloadTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	w.Write([]byte(`{"status":"error","error":{"code":"` + string(domain.ErrSchemaValidationFailed) + `"}}`)) //nolint:errcheck
}

// ListenAndServe starts the gateway HTTP server.
func (s *Server) ListenAndServe() error {
	addr := s.gw.cfg.BindAddress + ":" + strconv.Itoa(s.gw.cfg.GatewayPort)
	s.gw.log.Infof("gateway-listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
