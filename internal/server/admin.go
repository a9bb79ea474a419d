package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudflair/warden/internal/ledger"
	"github.com/cloudflair/warden/internal/storage"
)

// adminAuth checks the X-Admin-Secret header against the configured secret.
// Returns false (writing a 401) if the header is missing or incorrect.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminSecret == "" {
		writeError(w, http.StatusUnauthorized, "admin access disabled")
		return false
	}
	provided := r.Header.Get("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

func (s *Server) handleAdminListChanges(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	status := storage.ChangeStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = storage.ChangePending
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	changes, err := s.db.ListChangesByStatus(status, limit)
	if err != nil {
		log.Printf("[server] list changes: %v", err)
		writeError(w, http.StatusInternalServerError, "list changes failed")
		return
	}
	if changes == nil {
		changes = []storage.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) handleAdminDecide(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	var req struct {
		Decision string `json:"decision"`
		Actor    string `json:"actor"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	c, err := s.ledger.Decide(r.Context(), r.PathValue("id"), req.Decision, req.Actor, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, "change not found")
		case errors.Is(err, ledger.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ledger.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[server] decide change: %v", err)
			writeError(w, http.StatusInternalServerError, "decide failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAdminRetrigger(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	c, err := s.ledger.Retrigger(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, "change not found")
		case errors.Is(err, ledger.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("[server] retrigger change: %v", err)
			writeError(w, http.StatusInternalServerError, "retrigger failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAdminChangeAudit(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	s.writeAudit(w, storage.EntityChange, r.PathValue("id"))
}

func (s *Server) handleAdminTaskAudit(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	s.writeAudit(w, storage.EntityTask, r.PathValue("id"))
}

func (s *Server) writeAudit(w http.ResponseWriter, kind, id string) {
	entries, err := s.db.ListAuditForEntity(kind, id)
	if err != nil {
		log.Printf("[server] list audit: %v", err)
		writeError(w, http.StatusInternalServerError, "list audit failed")
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAdminListFlags(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	flags, err := s.db.ListFlags()
	if err != nil {
		log.Printf("[server] list flags: %v", err)
		writeError(w, http.StatusInternalServerError, "list flags failed")
		return
	}
	if flags == nil {
		flags = []storage.Flag{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}
