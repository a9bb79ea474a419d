package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudflair/warden/internal/executor"
	"github.com/cloudflair/warden/internal/storage"
)

// flakyHandler fails a configured number of times before succeeding.
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (h *flakyHandler) handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return nil, fmt.Errorf("transient failure %d", h.calls)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func setupQueue(t *testing.T, opts Options) (*Queue, *executor.Registry, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := executor.NewRegistry()
	reg.Register("noop", executor.Noop)
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return 0 }
	}
	return New(db, reg, opts), reg, db
}

// drain pops and dispatches every queued delivery synchronously.
func drain(t *testing.T, q *Queue) {
	t.Helper()
	for q.dq.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		d, ok := q.dq.Pop(ctx)
		cancel()
		if !ok {
			t.Fatal("Pop timed out with deliveries queued")
		}
		q.dispatch(context.Background(), d)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})

	tests := []struct {
		name     string
		taskType string
		payload  string
	}{
		{"empty type", "", `{}`},
		{"unknown type", "mystery", `{}`},
		{"malformed payload", "noop", `{broken`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), "OpsAgent", tt.taskType, json.RawMessage(tt.payload), -1, 0)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestEnqueueDefaultsAndClamping(t *testing.T) {
	q, _, _ := setupQueue(t, Options{MaxAttempts: 4})

	task, err := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", task.Priority, DefaultPriority)
	}
	if task.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", task.MaxAttempts)
	}
	if task.Status != storage.TaskPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}

	clamped, _ := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, 99, 0)
	if clamped.Priority != 10 {
		t.Errorf("Priority = %d, want clamped to 10", clamped.Priority)
	}
}

func TestDispatchCompletesTask(t *testing.T) {
	q, _, db := setupQueue(t, Options{})

	task, err := q.Enqueue(context.Background(), "OpsAgent", "noop", json.RawMessage(`{"type":"noop"}`), -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, q)

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 recorded failures", got.Attempts)
	}
	if got.StartedAt == 0 || got.CompletedAt == 0 {
		t.Error("timestamps not recorded")
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	q, reg, db := setupQueue(t, Options{MaxAttempts: 3})
	h := &flakyHandler{failures: 1}
	reg.Register("flaky", h.handle)

	task, err := q.Enqueue(context.Background(), "OpsAgent", "flaky", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, q)

	got, _ := db.GetTask(task.ID)
	if got.Status != storage.TaskCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 recorded failure", got.Attempts)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", got.Result)
	}
	if h.calls != 2 {
		t.Errorf("handler ran %d times, want 2", h.calls)
	}
}

func TestDispatchDeadEndsAfterMaxAttempts(t *testing.T) {
	q, reg, db := setupQueue(t, Options{MaxAttempts: 3})
	h := &flakyHandler{failures: 100}
	reg.Register("doomed", h.handle)

	task, err := q.Enqueue(context.Background(), "OpsAgent", "doomed", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, q)

	got, _ := db.GetTask(task.ID)
	if got.Status != storage.TaskFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if got.Error == "" {
		t.Error("final error not recorded")
	}
	if h.calls != 3 {
		t.Errorf("handler ran %d times, want exactly maxAttempts", h.calls)
	}
	if q.Pending() != 0 {
		t.Error("dead task still queued for redelivery")
	}

	// The dead end is permanent: a sweep never resurrects it.
	if _, err := q.Sweep(100); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if q.Pending() != 0 {
		t.Error("sweep redelivered a permanently failed task")
	}
}

func TestPriorityPreference(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})

	low, _ := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, 1, 0)
	high, _ := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, 9, 0)
	mid, _ := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, 5, 0)

	want := []string{high.ID, mid.ID, low.ID}
	for i, wantID := range want {
		d, ok := q.dq.Pop(context.Background())
		if !ok {
			t.Fatal("Pop failed")
		}
		if d.taskID != wantID {
			t.Errorf("pop %d = task %s, want %s", i, d.taskID, wantID)
		}
	}
}

func TestScheduledTaskWaitsForSweep(t *testing.T) {
	q, _, db := setupQueue(t, Options{})

	base := time.Now()
	q.now = func() time.Time { return base }

	task, err := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, -1, base.Unix()+3600)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Pending() != 0 {
		t.Fatal("future task delivered immediately")
	}

	// Not due yet: sweep finds nothing.
	n, err := q.Sweep(100)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = (%d, %v), want (0, nil)", n, err)
	}

	// Advance past the schedule; sweep delivers it.
	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	n, err = q.Sweep(100)
	if err != nil || n != 1 {
		t.Fatalf("due sweep = (%d, %v), want (1, nil)", n, err)
	}
	drain(t, q)

	got, _ := db.GetTask(task.ID)
	if got.Status != storage.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestSweepRecoversUndeliveredTask(t *testing.T) {
	q, _, db := setupQueue(t, Options{})
	now := time.Now().Unix()

	// Simulate a crash between persistence and delivery: the row exists but
	// no delivery was ever pushed.
	stranded := &storage.Task{
		ID: "stranded", AgentID: "OpsAgent", Type: "noop", Payload: []byte(`{}`),
		Status: storage.TaskPending, Priority: 5, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := db.CreateTask(stranded); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := q.Sweep(100)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = (%d, %v), want (1, nil)", n, err)
	}
	drain(t, q)

	got, _ := db.GetTask("stranded")
	if got.Status != storage.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestSweepRecoversAbandonedRunningTask(t *testing.T) {
	q, _, db := setupQueue(t, Options{MaxAttempts: 3})
	now := time.Now().Unix()

	// A worker took this task an hour ago and never reported back.
	abandoned := &storage.Task{
		ID: "abandoned", AgentID: "OpsAgent", Type: "noop", Payload: []byte(`{}`),
		Status: storage.TaskRunning, Priority: 5, MaxAttempts: 3,
		StartedAt: now - 3600, CreatedAt: now - 3600, UpdatedAt: now - 3600,
	}
	if err := db.CreateTask(abandoned); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// A run started moments ago is still live and must be left alone.
	live := &storage.Task{
		ID: "live", AgentID: "OpsAgent", Type: "noop", Payload: []byte(`{}`),
		Status: storage.TaskRunning, Priority: 5, MaxAttempts: 3,
		StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.CreateTask(live); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := q.Sweep(100)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = (%d, %v), want (1, nil)", n, err)
	}
	drain(t, q)

	got, _ := db.GetTask("abandoned")
	if got.Status != storage.TaskCompleted {
		t.Errorf("Status = %q, want completed after recovery", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want the lost run counted", got.Attempts)
	}

	stillLive, _ := db.GetTask("live")
	if stillLive.Status != storage.TaskRunning {
		t.Errorf("live task = %q, want left running", stillLive.Status)
	}
}

func TestSweepDeadEndsAbandonedTaskOutOfBudget(t *testing.T) {
	q, _, db := setupQueue(t, Options{MaxAttempts: 3})
	now := time.Now().Unix()

	task := &storage.Task{
		ID: "exhausted", AgentID: "OpsAgent", Type: "noop", Payload: []byte(`{}`),
		Status: storage.TaskRunning, Priority: 5, Attempts: 2, MaxAttempts: 3,
		StartedAt: now - 3600, CreatedAt: now - 3600, UpdatedAt: now - 3600,
	}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := q.Sweep(100)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = (%d, %v), want (1, nil)", n, err)
	}

	got, _ := db.GetTask("exhausted")
	if got.Status != storage.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if q.Pending() != 0 {
		t.Error("exhausted task queued for redelivery")
	}
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	q, reg, db := setupQueue(t, Options{})
	h := &flakyHandler{}
	reg.Register("counted", h.handle)

	task, err := q.Enqueue(context.Background(), "OpsAgent", "counted", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// At-least-once delivery can duplicate a message.
	q.dq.Push(task.ID, task.Priority)
	drain(t, q)

	if h.calls != 1 {
		t.Errorf("handler ran %d times for duplicate delivery, want 1", h.calls)
	}
	got, _ := db.GetTask(task.ID)
	if got.Status != storage.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestHandlerTimeoutCountsAsFailure(t *testing.T) {
	q, reg, db := setupQueue(t, Options{MaxAttempts: 1, HandlerTimeout: 20 * time.Millisecond})
	reg.Register("slow", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})

	task, err := q.Enqueue(context.Background(), "OpsAgent", "slow", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, q)

	got, _ := db.GetTask(task.ID)
	if got.Status != storage.TaskFailed {
		t.Errorf("Status = %q, want failed after timeout", got.Status)
	}
}

func TestWorkerPoolProcessesTasks(t *testing.T) {
	q, _, db := setupQueue(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		q.RunWorkers(ctx, 3)
		close(done)
	}()

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := q.Enqueue(context.Background(), "OpsAgent", "noop", nil, i%10, 0)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, task.ID)
	}

	deadline := time.After(5 * time.Second)
	for {
		completed := 0
		for _, id := range ids {
			got, err := db.GetTask(id)
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.Status == storage.TaskCompleted {
				completed++
			}
		}
		if completed == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/%d tasks completed before deadline", completed, len(ids))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker pool did not stop on cancellation")
	}
}

func TestTaskAuditTrail(t *testing.T) {
	q, reg, _ := setupQueue(t, Options{MaxAttempts: 2})
	h := &flakyHandler{failures: 1}
	reg.Register("flaky", h.handle)

	task, err := q.Enqueue(context.Background(), "OpsAgent", "flaky", nil, -1, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, q)

	trail, err := q.Audit(task.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	// retry then completion
	if len(trail) != 2 {
		t.Fatalf("trail has %d entries, want 2", len(trail))
	}
	if trail[0].ToStatus != string(storage.TaskPending) {
		t.Errorf("first entry to %q, want pending (retry)", trail[0].ToStatus)
	}
	if trail[1].ToStatus != string(storage.TaskCompleted) {
		t.Errorf("second entry to %q, want completed", trail[1].ToStatus)
	}
}
