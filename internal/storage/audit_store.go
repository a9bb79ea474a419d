package storage

import "fmt"

// AppendAudit inserts an audit record. The log is append-only; nothing in
// the codebase deletes from it.
func (d *DB) AppendAudit(e *AuditEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO audit_log (id, entity_kind, entity_id, agent_id, from_status, to_status,
		                        actor, detail, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityKind, e.EntityID, e.AgentID, e.FromStatus, e.ToStatus,
		e.Actor, e.Detail, boolToInt(e.Resolved), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditForEntity returns the audit trail for one change or task, oldest
// first.
func (d *DB) ListAuditForEntity(kind, entityID string) ([]AuditEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, entity_kind, entity_id, agent_id, from_status, to_status,
		        actor, detail, resolved, created_at
		 FROM audit_log WHERE entity_kind = ? AND entity_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		kind, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var resolved int
		if err := rows.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.AgentID, &e.FromStatus,
			&e.ToStatus, &e.Actor, &e.Detail, &resolved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Resolved = resolved == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveAuditEntry flips the resolved flag on an error-tracking entry.
func (d *DB) ResolveAuditEntry(id string) error {
	res, err := d.db.Exec(`UPDATE audit_log SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve audit entry rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve audit entry %s: %w", id, ErrNotFound)
	}
	return nil
}
