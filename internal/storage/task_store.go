package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateTask inserts a new task row.
func (d *DB) CreateTask(t *Task) error {
	_, err := d.db.Exec(
		`INSERT INTO tasks (id, agent_id, type, payload, status, priority, attempts, max_attempts,
		                    scheduled_for, result, error, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.Type, string(t.Payload), t.Status, t.Priority, t.Attempts, t.MaxAttempts,
		t.ScheduledFor, string(t.Result), t.Error, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, agent_id, type, payload, status, priority, attempts, max_attempts,
       scheduled_for, result, error, started_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var payload, result string
	err := row.Scan(&t.ID, &t.AgentID, &t.Type, &payload, &t.Status, &t.Priority, &t.Attempts,
		&t.MaxAttempts, &t.ScheduledFor, &result, &t.Error, &t.StartedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = []byte(payload)
	if result != "" {
		t.Result = []byte(result)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(id string) (*Task, error) {
	t, err := scanTask(d.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListDueTasks returns pending tasks whose scheduled_for is at or before now,
// earliest first, bounded by limit. This backs the periodic sweep.
func (d *DB) ListDueTasks(now int64, limit int) ([]Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC, created_at ASC LIMIT ?`,
		TaskPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListStaleRunningTasks returns running tasks whose attempt started at or
// before cutoff, oldest first, bounded by limit. These are attempts
// abandoned by a worker that died before recording an outcome.
func (d *DB) ListStaleRunningTasks(cutoff int64, limit int) ([]Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND started_at <= ?
		 ORDER BY started_at ASC LIMIT ?`,
		TaskRunning, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale running tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// transitionTask performs a CAS status update with extra SET clauses.
func (d *DB) transitionTask(id string, from, to TaskStatus, set string, args ...any) error {
	query := `UPDATE tasks SET status = ?` + set + ` WHERE id = ? AND status = ?`
	all := append([]any{to}, args...)
	all = append(all, id, from)
	res, err := d.db.Exec(query, all...)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition task rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := d.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transition task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("transition task status check: %w", err)
		}
		return fmt.Errorf("task %s is %s, not %s: %w", id, status, from, ErrConflict)
	}
	return nil
}

// StartTask moves a pending task to running. Exactly one of two concurrent
// deliveries of the same task wins this CAS; the loser drops the delivery.
func (d *DB) StartTask(id string, at int64) error {
	return d.transitionTask(id, TaskPending, TaskRunning,
		`, started_at = ?, updated_at = ?`, at, at)
}

// CompleteTask moves a running task to completed with its handler result.
func (d *DB) CompleteTask(id string, result []byte, at int64) error {
	return d.transitionTask(id, TaskRunning, TaskCompleted,
		`, result = ?, completed_at = ?, updated_at = ?`, string(result), at, at)
}

// FailTask moves a running task to its terminal failed state.
func (d *DB) FailTask(id, errMsg string, attempts int, at int64) error {
	return d.transitionTask(id, TaskRunning, TaskFailed,
		`, error = ?, attempts = ?, completed_at = ?, updated_at = ?`, errMsg, attempts, at, at)
}

// RetryTask returns a running task to pending with its attempt counter and
// backoff schedule updated, making it eligible for redelivery.
func (d *DB) RetryTask(id, errMsg string, attempts int, scheduledFor, at int64) error {
	return d.transitionTask(id, TaskRunning, TaskPending,
		`, error = ?, attempts = ?, scheduled_for = ?, updated_at = ?`,
		errMsg, attempts, scheduledFor, at)
}

// CountTasksByStatus returns the number of tasks per status.
func (d *DB) CountTasksByStatus() (map[TaskStatus]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
