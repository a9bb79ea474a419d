package storage

import "encoding/json"

// ChangeStatus is the closed set of change ledger states.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
	ChangeExecuted ChangeStatus = "executed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ChangeStatus) Terminal() bool {
	return s == ChangeRejected || s == ChangeExecuted
}

// CanTransition reports whether the ledger state machine permits moving from
// s to next. Legal moves: pending→approved, pending→rejected,
// approved→executed.
func (s ChangeStatus) CanTransition(next ChangeStatus) bool {
	switch s {
	case ChangePending:
		return next == ChangeApproved || next == ChangeRejected
	case ChangeApproved:
		return next == ChangeExecuted
	default:
		return false
	}
}

// TaskStatus is the closed set of task queue states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether the queue state machine permits moving from
// s to next. running→pending is the retry cycle.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskPending
	default:
		return false
	}
}

// Change action kinds.
const (
	ActionContentProposal = "content_proposal"
	ActionFlagChange      = "flag_change"
	ActionGeneric         = "generic"
)

// Change is a proposed mutation subject to risk-gated approval. Zero values
// (empty string, 0) stand for unset nullable columns.
type Change struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	RiskLevel   string          `json:"risk_level"`
	Status      ChangeStatus    `json:"status"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	ApprovedAt  int64           `json:"approved_at,omitempty"`
	ExecutedAt  int64           `json:"executed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// Task is a unit of asynchronous work with a redelivery budget.
type Task struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor int64           `json:"scheduled_for,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    int64           `json:"started_at,omitempty"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
}

// Audit entity kinds.
const (
	EntityChange = "change"
	EntityTask   = "task"
)

// AuditEntry is one append-only record of a status transition. Entries are
// never deleted; error-tracking entries carry a resolved flag instead.
type AuditEntry struct {
	ID         string `json:"id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	AgentID    string `json:"agent_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	Detail     string `json:"detail,omitempty"`
	Resolved   bool   `json:"resolved"`
	CreatedAt  int64  `json:"created_at"`
}

// Flag is a feature flag row, the concrete target of flag_change executions.
type Flag struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt int64  `json:"updated_at"`
}
