// Package queue implements the durable at-least-once task queue: tasks are
// persisted before delivery is acknowledged, dispatched to a worker pool by
// advisory priority, retried against an explicit redelivery budget, and
// dead-ended once the budget is exhausted. A periodic sweep re-submits
// scheduled and stranded tasks, which also covers crash recovery between
// persistence and delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cloudflair/warden/internal/executor"
	"github.com/cloudflair/warden/internal/storage"
)

// ErrValidation rejects a malformed submission before anything is enqueued.
var ErrValidation = errors.New("invalid task submission")

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// DefaultPriority is used when the caller does not specify one.
const DefaultPriority = 5

// Options tune queue behavior. Zero values get sensible defaults.
type Options struct {
	MaxAttempts    int
	HandlerTimeout time.Duration
	// Backoff returns the redelivery delay after the given number of failed
	// attempts. A nil Backoff uses quadratic growth from 10s.
	Backoff func(attempts int) time.Duration
	// Notify receives audit entries after they are persisted; must not block.
	Notify func(storage.AuditEntry)
}

// Queue owns the task lifecycle.
type Queue struct {
	db       *storage.DB
	handlers *executor.Registry
	dq       *deliveryQueue
	opts     Options

	now func() time.Time
}

// New creates a Queue dispatching to the given handler registry.
func New(db *storage.DB, handlers *executor.Registry, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 15 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempts int) time.Duration {
			return time.Duration(attempts*attempts) * 10 * time.Second
		}
	}
	return &Queue{
		db:       db,
		handlers: handlers,
		dq:       newDeliveryQueue(),
		opts:     opts,
		now:      time.Now,
	}
}

// Enqueue validates and persists a task, then hands it to the delivery
// channel. The task is acknowledged only after persistence succeeds, so task
// rows are a superset of in-flight deliveries and the sweep can recover a
// crash between the two steps.
func (q *Queue) Enqueue(ctx context.Context, agentID, taskType string, payload json.RawMessage, priority int, scheduledFor int64) (*storage.Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("%w: type required", ErrValidation)
	}
	if !q.handlers.Known(taskType) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, taskType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	if priority < 0 {
		priority = DefaultPriority
	}
	if priority > 10 {
		priority = 10
	}

	now := q.now().Unix()
	t := &storage.Task{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Type:         taskType,
		Payload:      payload,
		Status:       storage.TaskPending,
		Priority:     priority,
		MaxAttempts:  q.opts.MaxAttempts,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.db.CreateTask(t); err != nil {
		return nil, err
	}

	if scheduledFor <= now {
		q.dq.Push(t.ID, t.Priority)
	}
	return t, nil
}

// Get returns a task by id.
func (q *Queue) Get(taskID string) (*storage.Task, error) {
	t, err := q.db.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// Audit returns the audit trail for a task, oldest first.
func (q *Queue) Audit(taskID string) ([]storage.AuditEntry, error) {
	return q.db.ListAuditForEntity(storage.EntityTask, taskID)
}

// Pending returns the number of deliveries waiting in the channel.
func (q *Queue) Pending() int {
	return q.dq.Len()
}

// dispatch runs one delivered message to completion, retry, or dead end.
func (q *Queue) dispatch(ctx context.Context, d delivery) {
	now := q.now().Unix()
	if err := q.db.StartTask(d.taskID, now); err != nil {
		// Lost the CAS: a sibling worker already owns this attempt, or the
		// task reached a terminal state. Drop the duplicate delivery.
		if !errors.Is(err, storage.ErrConflict) {
			log.Printf("[queue] start task %s: %v", d.taskID, err)
		}
		return
	}

	t, err := q.db.GetTask(d.taskID)
	if err != nil {
		log.Printf("[queue] load running task %s: %v", d.taskID, err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, q.opts.HandlerTimeout)
	result, handlerErr := q.handlers.Execute(hctx, t.Type, t.Payload)
	cancel()

	if handlerErr == nil {
		doneAt := q.now().Unix()
		if err := q.db.CompleteTask(t.ID, result, doneAt); err != nil {
			log.Printf("[queue] complete task %s: %v", t.ID, err)
			return
		}
		q.audit(t, storage.TaskRunning, storage.TaskCompleted, "", true)
		return
	}

	attempts := t.Attempts + 1
	failAt := q.now().Unix()

	if attempts >= t.MaxAttempts {
		if err := q.db.FailTask(t.ID, handlerErr.Error(), attempts, failAt); err != nil {
			log.Printf("[queue] fail task %s: %v", t.ID, err)
			return
		}
		log.Printf("[queue] task %s (%s) dead after %d attempts: %v", t.ID, t.Type, attempts, handlerErr)
		q.audit(t, storage.TaskRunning, storage.TaskFailed, handlerErr.Error(), false)
		return
	}

	backoff := q.opts.Backoff(attempts)
	retryAt := failAt + int64(backoff.Seconds())
	if err := q.db.RetryTask(t.ID, handlerErr.Error(), attempts, retryAt, failAt); err != nil {
		log.Printf("[queue] requeue task %s: %v", t.ID, err)
		return
	}
	q.audit(t, storage.TaskRunning, storage.TaskPending,
		fmt.Sprintf("attempt %d/%d failed: %v", attempts, t.MaxAttempts, handlerErr), false)

	if backoff <= 0 {
		q.dq.Push(t.ID, t.Priority)
	}
	// With a positive backoff the sweep redelivers once scheduled_for passes.
}

func (q *Queue) audit(t *storage.Task, from, to storage.TaskStatus, detail string, resolved bool) {
	e := storage.AuditEntry{
		ID:         uuid.New().String(),
		EntityKind: storage.EntityTask,
		EntityID:   t.ID,
		AgentID:    t.AgentID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      "worker",
		Detail:     detail,
		Resolved:   resolved,
		CreatedAt:  q.now().Unix(),
	}
	if err := q.db.AppendAudit(&e); err != nil {
		log.Printf("[queue] append audit for %s: %v", t.ID, err)
		return
	}
	if q.opts.Notify != nil {
		q.opts.Notify(e)
	}
}
