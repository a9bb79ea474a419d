package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	agentpkg "github.com/cloudflair/warden/internal/agent"
	"github.com/cloudflair/warden/internal/config"
	"github.com/cloudflair/warden/internal/ledger"
	"github.com/cloudflair/warden/internal/queue"
	"github.com/cloudflair/warden/internal/storage"
)

// agentAuth verifies the HMAC signature triple on an incoming request and
// applies the per-agent submission rate limit. On success it returns the
// registered agent; on failure it writes the appropriate HTTP error and
// returns false.
func (s *Server) agentAuth(w http.ResponseWriter, r *http.Request, body []byte) (config.Agent, bool) {
	id, err := s.verifier.Verify(r, body)
	if err != nil {
		switch {
		case errors.Is(err, agentpkg.ErrConfiguration):
			// Server fault: log details, reveal nothing.
			log.Printf("[server] agent auth: %v (agent %s)", err, r.Header.Get(agentpkg.HeaderAgentID))
			writeError(w, http.StatusInternalServerError, "internal error")
		case errors.Is(err, agentpkg.ErrReplayed):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusUnauthorized, err.Error())
		}
		return config.Agent{}, false
	}

	a, ok := s.registry.Lookup(id.AgentID)
	if !ok {
		// Verified but unregistered should be impossible; treat as unknown.
		writeError(w, http.StatusUnauthorized, agentpkg.ErrUnknownAgent.Error())
		return config.Agent{}, false
	}

	if !s.limiter.Allow(a.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return config.Agent{}, false
	}
	return a, true
}

func (s *Server) handleSubmitChange(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	a, ok := s.agentAuth(w, r, body)
	if !ok {
		return
	}

	var req struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	c, err := s.ledger.Submit(r.Context(), a, req.Action, req.Payload)
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[server] submit change from %s: %v", a.ID, err)
		writeError(w, http.StatusInternalServerError, "submit change failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         c.ID,
		"status":     c.Status,
		"risk_level": c.RiskLevel,
		"message":    submitMessage(c),
	})
}

// submitMessage summarizes the submission outcome for the agent.
func submitMessage(c *storage.Change) string {
	switch c.Status {
	case storage.ChangeExecuted:
		return "auto-approved and executed"
	case storage.ChangeApproved:
		if c.Error != "" {
			return "auto-approved; execution failed and awaits re-trigger"
		}
		return "approved"
	default:
		return "pending human approval"
	}
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	a, ok := s.agentAuth(w, r, body)
	if !ok {
		return
	}

	c, err := s.ledger.Get(r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "change not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get change failed")
		return
	}
	if c.AgentID != a.ID {
		// Agents only see their own submissions.
		writeError(w, http.StatusNotFound, "change not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	a, ok := s.agentAuth(w, r, body)
	if !ok {
		return
	}

	var req struct {
		Type         string          `json:"type"`
		Payload      json.RawMessage `json:"payload"`
		Priority     *int            `json:"priority"`
		ScheduledFor *int64          `json:"scheduled_for"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	priority := -1
	if req.Priority != nil {
		priority = *req.Priority
		if priority < 0 {
			writeError(w, http.StatusBadRequest, "priority must be between 0 and 10")
			return
		}
	}
	var scheduledFor int64
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
		if scheduledFor < 0 || scheduledFor > time.Now().AddDate(1, 0, 0).Unix() {
			writeError(w, http.StatusBadRequest, "scheduled_for out of range")
			return
		}
	}

	t, err := s.queue.Enqueue(r.Context(), a.ID, req.Type, req.Payload, priority, scheduledFor)
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[server] enqueue task from %s: %v", a.ID, err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     t.ID,
		"status": "queued",
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	a, ok := s.agentAuth(w, r, body)
	if !ok {
		return
	}

	t, err := s.queue.Get(r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	if t.AgentID != a.ID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
