// Package ledger owns the change lifecycle: risk classification on
// submission, the pending/approved/rejected/executed state machine, and the
// approval gateway that decides whether a change auto-executes or waits for
// a human. Every transition is recorded in the append-only audit log.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cloudflair/warden/internal/config"
	"github.com/cloudflair/warden/internal/storage"
)

// Named failures of the approval gateway.
var (
	ErrNotFound       = errors.New("change not found")
	ErrAlreadyDecided = errors.New("change already decided")
	ErrValidation     = errors.New("invalid change payload")
)

// Decisions accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// AutoActor is recorded as the approver on low-risk auto-approved changes.
const AutoActor = "auto"

// Executor performs the side effect of an authorized change. The ledger
// never retries it: a failed execution leaves the change approved with the
// error recorded for manual re-trigger.
type Executor interface {
	ExecuteChange(ctx context.Context, c *storage.Change) (json.RawMessage, error)
}

// Ledger is the change ledger and approval gateway.
type Ledger struct {
	db     *storage.DB
	exec   Executor
	notify func(storage.AuditEntry)
}

// New creates a Ledger. notify, if non-nil, receives every audit entry after
// it is persisted (used for the operator event stream); it must not block.
func New(db *storage.DB, exec Executor, notify func(storage.AuditEntry)) *Ledger {
	return &Ledger{db: db, exec: exec, notify: notify}
}

// Submit validates, risk-classifies, and persists a proposed change. Low-risk
// changes are approved and executed synchronously within the call; everything
// else stays pending for human review.
func (l *Ledger) Submit(ctx context.Context, agent config.Agent, action string, payload json.RawMessage) (*storage.Change, error) {
	if err := validatePayload(action, payload); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	c := &storage.Change{
		ID:          uuid.New().String(),
		AgentID:     agent.ID,
		Action:      action,
		Payload:     payload,
		PayloadHash: PayloadHash(payload),
		RiskLevel:   string(DeriveRisk(agent.Risk, action, payload)),
		Status:      storage.ChangePending,
		CreatedAt:   now,
	}
	if err := l.db.CreateChange(c); err != nil {
		return nil, err
	}
	l.audit(c, "", storage.ChangePending, agent.ID, "submitted")

	if c.RiskLevel != string(config.RiskLow) {
		return c, nil
	}

	// Low risk short-circuits through approval. The approved state is still
	// recorded as a real transition so the audit trail shows it.
	if err := l.db.ApproveChange(c.ID, AutoActor, now); err != nil {
		return nil, err
	}
	c.Status = storage.ChangeApproved
	c.ApprovedBy = AutoActor
	c.ApprovedAt = now
	l.audit(c, storage.ChangePending, storage.ChangeApproved, AutoActor, "auto-approved")

	l.execute(ctx, c, AutoActor)
	return c, nil
}

// Decide applies a human decision to a pending change. Approvals trigger
// synchronous execution; rejections are terminal.
func (l *Ledger) Decide(ctx context.Context, changeID, decision, actor, comment string) (*storage.Change, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: decision must be approve or reject", ErrValidation)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor required", ErrValidation)
	}

	c, err := l.db.GetChange(changeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Status != storage.ChangePending {
		return nil, fmt.Errorf("change is %s: %w", c.Status, ErrAlreadyDecided)
	}

	now := time.Now().Unix()

	if decision == DecisionReject {
		reason := comment
		if reason == "" {
			reason = "rejected by " + actor
		}
		if err := l.db.RejectChange(c.ID, actor, reason, now); err != nil {
			return nil, decideErr(err)
		}
		c.Status = storage.ChangeRejected
		c.ApprovedBy = actor
		c.ApprovedAt = now
		c.Error = reason
		l.audit(c, storage.ChangePending, storage.ChangeRejected, actor, reason)
		return c, nil
	}

	if err := l.db.ApproveChange(c.ID, actor, now); err != nil {
		return nil, decideErr(err)
	}
	c.Status = storage.ChangeApproved
	c.ApprovedBy = actor
	c.ApprovedAt = now
	l.audit(c, storage.ChangePending, storage.ChangeApproved, actor, comment)

	l.execute(ctx, c, actor)
	return c, nil
}

// Retrigger re-runs the executor for a change stuck in approved after an
// execution failure. Approval fields are untouched.
func (l *Ledger) Retrigger(ctx context.Context, changeID, actor string) (*storage.Change, error) {
	c, err := l.db.GetChange(changeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Status != storage.ChangeApproved {
		return nil, fmt.Errorf("change is %s, not approved: %w", c.Status, ErrAlreadyDecided)
	}

	l.execute(ctx, c, actor)
	return c, nil
}

// execute invokes the executor for an approved change and records the
// outcome. Execution failure never reverts approval.
func (l *Ledger) execute(ctx context.Context, c *storage.Change, actor string) {
	result, err := l.exec.ExecuteChange(ctx, c)
	now := time.Now().Unix()

	if err != nil {
		log.Printf("[ledger] execute change %s (%s): %v", c.ID, c.Action, err)
		if dbErr := l.db.SetChangeError(c.ID, err.Error()); dbErr != nil {
			log.Printf("[ledger] record execution error for %s: %v", c.ID, dbErr)
		}
		c.Error = err.Error()
		l.auditError(c, actor, err.Error())
		return
	}

	if err := l.db.MarkChangeExecuted(c.ID, now); err != nil {
		log.Printf("[ledger] mark change %s executed: %v", c.ID, err)
		return
	}
	c.Status = storage.ChangeExecuted
	c.ExecutedAt = now
	c.Error = ""
	detail := ""
	if len(result) > 0 {
		detail = string(result)
	}
	l.audit(c, storage.ChangeApproved, storage.ChangeExecuted, actor, detail)
}

// ListPending returns changes awaiting review, newest first for operator
// attention. Processing order has no correctness dependency.
func (l *Ledger) ListPending(limit int) ([]storage.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.db.ListChangesByStatus(storage.ChangePending, limit)
}

// Get returns a change by id.
func (l *Ledger) Get(changeID string) (*storage.Change, error) {
	c, err := l.db.GetChange(changeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// Audit returns the audit trail for a change, oldest first.
func (l *Ledger) Audit(changeID string) ([]storage.AuditEntry, error) {
	return l.db.ListAuditForEntity(storage.EntityChange, changeID)
}

func (l *Ledger) audit(c *storage.Change, from, to storage.ChangeStatus, actor, detail string) {
	e := storage.AuditEntry{
		ID:         uuid.New().String(),
		EntityKind: storage.EntityChange,
		EntityID:   c.ID,
		AgentID:    c.AgentID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  time.Now().Unix(),
	}
	if err := l.db.AppendAudit(&e); err != nil {
		log.Printf("[ledger] append audit for %s: %v", c.ID, err)
		return
	}
	if l.notify != nil {
		l.notify(e)
	}
}

// auditError records an execution failure as an unresolved error-tracking
// entry. The change status does not move, so from and to are both approved.
func (l *Ledger) auditError(c *storage.Change, actor, detail string) {
	e := storage.AuditEntry{
		ID:         uuid.New().String(),
		EntityKind: storage.EntityChange,
		EntityID:   c.ID,
		AgentID:    c.AgentID,
		FromStatus: string(storage.ChangeApproved),
		ToStatus:   string(storage.ChangeApproved),
		Actor:      actor,
		Detail:     "execution failed: " + detail,
		CreatedAt:  time.Now().Unix(),
	}
	if err := l.db.AppendAudit(&e); err != nil {
		log.Printf("[ledger] append error audit for %s: %v", c.ID, err)
		return
	}
	if l.notify != nil {
		l.notify(e)
	}
}

// decideErr maps a lost CAS race to ErrAlreadyDecided: another operator got
// there between our read and our update.
func decideErr(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%v: %w", err, ErrAlreadyDecided)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
