package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestChange(status ChangeStatus) *Change {
	return &Change{
		ID:          uuid.New().String(),
		AgentID:     "ContentAgent",
		Action:      ActionContentProposal,
		Payload:     []byte(`{"title":"hello"}`),
		PayloadHash: "abc123",
		RiskLevel:   "medium",
		Status:      status,
		CreatedAt:   time.Now().Unix(),
	}
}

func newTestTask(status TaskStatus) *Task {
	now := time.Now().Unix()
	return &Task{
		ID:          uuid.New().String(),
		AgentID:     "OpsAgent",
		Type:        "noop",
		Payload:     []byte(`{}`),
		Status:      status,
		Priority:    5,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestChangeRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	c := newTestChange(ChangePending)
	if err := db.CreateChange(c); err != nil {
		t.Fatalf("CreateChange: %v", err)
	}

	got, err := db.GetChange(c.ID)
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if got.AgentID != c.AgentID || got.Action != c.Action || got.Status != ChangePending {
		t.Errorf("got %+v, want %+v", got, c)
	}
	if string(got.Payload) != `{"title":"hello"}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	if _, err := db.GetChange("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChange(missing) = %v, want ErrNotFound", err)
	}
}

func TestChangeTransitions(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().Unix()

	c := newTestChange(ChangePending)
	if err := db.CreateChange(c); err != nil {
		t.Fatalf("CreateChange: %v", err)
	}

	if err := db.ApproveChange(c.ID, "admin", now); err != nil {
		t.Fatalf("ApproveChange: %v", err)
	}

	// Second approval loses the CAS.
	if err := db.ApproveChange(c.ID, "admin2", now); !errors.Is(err, ErrConflict) {
		t.Errorf("double approve = %v, want ErrConflict", err)
	}

	// Reject after approval also conflicts.
	if err := db.RejectChange(c.ID, "admin", "no", now); !errors.Is(err, ErrConflict) {
		t.Errorf("reject approved = %v, want ErrConflict", err)
	}

	if err := db.MarkChangeExecuted(c.ID, now+1); err != nil {
		t.Fatalf("MarkChangeExecuted: %v", err)
	}

	got, err := db.GetChange(c.ID)
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if got.Status != ChangeExecuted {
		t.Errorf("Status = %q, want executed", got.Status)
	}
	if got.ApprovedBy != "admin" {
		t.Errorf("ApprovedBy = %q, want admin (unchanged by losing CAS)", got.ApprovedBy)
	}
	if got.ExecutedAt != now+1 {
		t.Errorf("ExecutedAt = %d, want %d", got.ExecutedAt, now+1)
	}

	if err := db.ApproveChange("missing", "admin", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("approve missing = %v, want ErrNotFound", err)
	}
}

func TestChangeErrorKeepsStatus(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().Unix()

	c := newTestChange(ChangePending)
	if err := db.CreateChange(c); err != nil {
		t.Fatalf("CreateChange: %v", err)
	}
	if err := db.ApproveChange(c.ID, "admin", now); err != nil {
		t.Fatalf("ApproveChange: %v", err)
	}
	if err := db.SetChangeError(c.ID, "executor unreachable"); err != nil {
		t.Fatalf("SetChangeError: %v", err)
	}

	got, _ := db.GetChange(c.ID)
	if got.Status != ChangeApproved {
		t.Errorf("Status = %q, want approved after execution failure", got.Status)
	}
	if got.Error != "executor unreachable" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestListChangesNewestFirst(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		c := newTestChange(ChangePending)
		c.CreatedAt = int64(1000 + i)
		if err := db.CreateChange(c); err != nil {
			t.Fatalf("CreateChange: %v", err)
		}
	}

	got, err := db.ListChangesByStatus(ChangePending, 10)
	if err != nil {
		t.Fatalf("ListChangesByStatus: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d changes, want 3", len(got))
	}
	if got[0].CreatedAt != 1002 || got[2].CreatedAt != 1000 {
		t.Errorf("ordering = [%d %d %d], want newest first", got[0].CreatedAt, got[1].CreatedAt, got[2].CreatedAt)
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().Unix()

	task := newTestTask(TaskPending)
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := db.StartTask(task.ID, now); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	// A duplicate delivery loses the CAS.
	if err := db.StartTask(task.ID, now); !errors.Is(err, ErrConflict) {
		t.Errorf("double start = %v, want ErrConflict", err)
	}

	if err := db.CompleteTask(task.ID, []byte(`{"ok":true}`), now+1); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", got.Result)
	}

	// Terminal tasks cannot restart.
	if err := db.StartTask(task.ID, now+2); !errors.Is(err, ErrConflict) {
		t.Errorf("start completed = %v, want ErrConflict", err)
	}
}

func TestTaskRetryCycle(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().Unix()

	task := newTestTask(TaskPending)
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := db.StartTask(task.ID, now); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := db.RetryTask(task.ID, "boom", 1, now+30, now); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	got, _ := db.GetTask(task.ID)
	if got.Status != TaskPending || got.Attempts != 1 || got.ScheduledFor != now+30 {
		t.Errorf("after retry: status=%q attempts=%d scheduled=%d", got.Status, got.Attempts, got.ScheduledFor)
	}

	if err := db.StartTask(task.ID, now+31); err != nil {
		t.Fatalf("StartTask after retry: %v", err)
	}
	if err := db.FailTask(task.ID, "boom again", 3, now+32); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	got, _ = db.GetTask(task.ID)
	if got.Status != TaskFailed || got.Attempts != 3 || got.Error != "boom again" {
		t.Errorf("after fail: status=%q attempts=%d error=%q", got.Status, got.Attempts, got.Error)
	}
}

func TestListDueTasks(t *testing.T) {
	db := setupTestDB(t)
	now := int64(5000)

	mk := func(scheduledFor int64, status TaskStatus) string {
		task := newTestTask(status)
		task.ScheduledFor = scheduledFor
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		return task.ID
	}

	early := mk(1000, TaskPending)
	late := mk(4000, TaskPending)
	mk(9000, TaskPending)    // not yet due
	mk(1000, TaskCompleted)  // terminal, ignored

	due, err := db.ListDueTasks(now, 100)
	if err != nil {
		t.Fatalf("ListDueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due tasks, want 2", len(due))
	}
	if due[0].ID != early || due[1].ID != late {
		t.Errorf("ordering wrong: got [%s %s], want earliest first", due[0].ID, due[1].ID)
	}

	// Batch limit is respected.
	due, err = db.ListDueTasks(now, 1)
	if err != nil {
		t.Fatalf("ListDueTasks limit: %v", err)
	}
	if len(due) != 1 || due[0].ID != early {
		t.Errorf("limited sweep got %d tasks", len(due))
	}
}

func TestAuditTrail(t *testing.T) {
	db := setupTestDB(t)

	e1 := &AuditEntry{
		ID: uuid.New().String(), EntityKind: EntityChange, EntityID: "c1",
		AgentID: "ContentAgent", FromStatus: "pending", ToStatus: "approved",
		Actor: "admin", CreatedAt: 100,
	}
	e2 := &AuditEntry{
		ID: uuid.New().String(), EntityKind: EntityChange, EntityID: "c1",
		AgentID: "ContentAgent", FromStatus: "approved", ToStatus: "executed",
		Actor: "admin", CreatedAt: 200,
	}
	for _, e := range []*AuditEntry{e1, e2} {
		if err := db.AppendAudit(e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	trail, err := db.ListAuditForEntity(EntityChange, "c1")
	if err != nil {
		t.Fatalf("ListAuditForEntity: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("got %d entries, want 2", len(trail))
	}
	if trail[0].ToStatus != "approved" || trail[1].ToStatus != "executed" {
		t.Errorf("trail order wrong: %+v", trail)
	}

	if err := db.ResolveAuditEntry(e1.ID); err != nil {
		t.Fatalf("ResolveAuditEntry: %v", err)
	}
	trail, _ = db.ListAuditForEntity(EntityChange, "c1")
	if !trail[0].Resolved {
		t.Error("entry not marked resolved")
	}
}

func TestFlagUpsert(t *testing.T) {
	db := setupTestDB(t)

	f := &Flag{Key: "beta.search", Value: `true`, UpdatedBy: "ContentAgent", UpdatedAt: 100}
	if err := db.SetFlag(f); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	f.Value = `false`
	f.UpdatedAt = 200
	if err := db.SetFlag(f); err != nil {
		t.Fatalf("SetFlag upsert: %v", err)
	}

	got, err := db.GetFlag("beta.search")
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if got.Value != `false` || got.UpdatedAt != 200 {
		t.Errorf("got %+v", got)
	}

	if _, err := db.GetFlag("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFlag(missing) = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitionRules(t *testing.T) {
	changeTests := []struct {
		from, to ChangeStatus
		ok       bool
	}{
		{ChangePending, ChangeApproved, true},
		{ChangePending, ChangeRejected, true},
		{ChangeApproved, ChangeExecuted, true},
		{ChangePending, ChangeExecuted, false},
		{ChangeRejected, ChangeApproved, false},
		{ChangeExecuted, ChangeApproved, false},
	}
	for _, tt := range changeTests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("change %s->%s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}

	taskTests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskPending, true},
		{TaskPending, TaskCompleted, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskPending, false},
	}
	for _, tt := range taskTests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("task %s->%s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
