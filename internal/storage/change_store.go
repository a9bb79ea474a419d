package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateChange inserts a new change row.
func (d *DB) CreateChange(c *Change) error {
	_, err := d.db.Exec(
		`INSERT INTO changes (id, agent_id, action, payload, payload_hash, risk_level, status,
		                      approved_by, approved_at, executed_at, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.Action, string(c.Payload), c.PayloadHash, c.RiskLevel, c.Status,
		c.ApprovedBy, c.ApprovedAt, c.ExecutedAt, c.Error, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create change: %w", err)
	}
	return nil
}

const changeColumns = `id, agent_id, action, payload, payload_hash, risk_level, status,
       approved_by, approved_at, executed_at, error, created_at`

func scanChange(row interface{ Scan(...any) error }) (*Change, error) {
	c := &Change{}
	var payload string
	err := row.Scan(&c.ID, &c.AgentID, &c.Action, &payload, &c.PayloadHash, &c.RiskLevel,
		&c.Status, &c.ApprovedBy, &c.ApprovedAt, &c.ExecutedAt, &c.Error, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Payload = []byte(payload)
	return c, nil
}

// GetChange retrieves a change by ID.
func (d *DB) GetChange(id string) (*Change, error) {
	c, err := scanChange(d.db.QueryRow(
		`SELECT `+changeColumns+` FROM changes WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get change %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

// ListChangesByStatus returns changes in the given status, newest first.
func (d *DB) ListChangesByStatus(status ChangeStatus, limit int) ([]Change, error) {
	rows, err := d.db.Query(
		`SELECT `+changeColumns+` FROM changes WHERE status = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// transitionChange performs a CAS status update, applying extra SET clauses.
// It distinguishes a missing row (ErrNotFound) from a lost race (ErrConflict).
func (d *DB) transitionChange(id string, from, to ChangeStatus, set string, args ...any) error {
	query := `UPDATE changes SET status = ?` + set + ` WHERE id = ? AND status = ?`
	all := append([]any{to}, args...)
	all = append(all, id, from)
	res, err := d.db.Exec(query, all...)
	if err != nil {
		return fmt.Errorf("transition change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition change rows affected: %w", err)
	}
	if n == 0 {
		var status string
		err := d.db.QueryRow(`SELECT status FROM changes WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transition change %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("transition change status check: %w", err)
		}
		return fmt.Errorf("change %s is %s, not %s: %w", id, status, from, ErrConflict)
	}
	return nil
}

// ApproveChange moves a pending change to approved, recording the actor.
func (d *DB) ApproveChange(id, actor string, at int64) error {
	return d.transitionChange(id, ChangePending, ChangeApproved,
		`, approved_by = ?, approved_at = ?`, actor, at)
}

// RejectChange moves a pending change to rejected, recording the actor and reason.
func (d *DB) RejectChange(id, actor, reason string, at int64) error {
	return d.transitionChange(id, ChangePending, ChangeRejected,
		`, approved_by = ?, approved_at = ?, error = ?`, actor, at, reason)
}

// MarkChangeExecuted moves an approved change to executed and clears any
// prior execution error.
func (d *DB) MarkChangeExecuted(id string, at int64) error {
	return d.transitionChange(id, ChangeApproved, ChangeExecuted,
		`, executed_at = ?, error = ''`, at)
}

// SetChangeError records an execution failure on a change without altering
// its status (the change stays approved for manual re-trigger).
func (d *DB) SetChangeError(id, msg string) error {
	res, err := d.db.Exec(`UPDATE changes SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("set change error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set change error rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set change error %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountChangesByStatus returns the number of changes per status.
func (d *DB) CountChangesByStatus() (map[ChangeStatus]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM changes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count changes: %w", err)
	}
	defer rows.Close()

	counts := make(map[ChangeStatus]int)
	for rows.Next() {
		var status ChangeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan change count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
