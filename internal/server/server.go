// Package server exposes the Warden HTTP API: authenticated agent
// submissions, operator approval endpoints, and the audit event stream.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cloudflair/warden/internal/agent"
	"github.com/cloudflair/warden/internal/config"
	"github.com/cloudflair/warden/internal/ledger"
	"github.com/cloudflair/warden/internal/queue"
	"github.com/cloudflair/warden/internal/ratelimit"
	"github.com/cloudflair/warden/internal/storage"
)

// Server is the main HTTP server for the Warden API.
type Server struct {
	db       *storage.DB
	cfg      config.Settings
	registry *config.Registry
	verifier *agent.Verifier
	ledger   *ledger.Ledger
	queue    *queue.Queue
	limiter  *ratelimit.Keyed
	events   *EventHub
	mux      *http.ServeMux
}

// New creates a Server with all routes registered.
func New(db *storage.DB, cfg config.Settings, registry *config.Registry,
	verifier *agent.Verifier, l *ledger.Ledger, q *queue.Queue, events *EventHub) *Server {
	s := &Server{
		db:       db,
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		ledger:   l,
		queue:    q,
		limiter:  ratelimit.NewKeyed(cfg.RateLimit, cfg.RateWindow()),
		events:   events,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Agent endpoints (HMAC auth)
	s.mux.HandleFunc("POST /api/changes", s.handleSubmitChange)
	s.mux.HandleFunc("GET /api/changes/{id}", s.handleGetChange)
	s.mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)

	// Admin endpoints (X-Admin-Secret auth)
	s.mux.HandleFunc("GET /api/admin/changes", s.handleAdminListChanges)
	s.mux.HandleFunc("POST /api/admin/changes/{id}/decide", s.handleAdminDecide)
	s.mux.HandleFunc("POST /api/admin/changes/{id}/retrigger", s.handleAdminRetrigger)
	s.mux.HandleFunc("GET /api/admin/changes/{id}/audit", s.handleAdminChangeAudit)
	s.mux.HandleFunc("GET /api/admin/tasks/{id}/audit", s.handleAdminTaskAudit)
	s.mux.HandleFunc("GET /api/admin/flags", s.handleAdminListFlags)
	s.mux.HandleFunc("GET /api/admin/events", s.handleAdminEvents)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "warden",
	})
}

// readBody reads the full request body. The body bytes are needed for
// signature verification before JSON decoding.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
