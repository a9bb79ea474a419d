package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetFlag upserts a feature flag value.
func (d *DB) SetFlag(f *Flag) error {
	_, err := d.db.Exec(
		`INSERT INTO flags (key, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		     updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		f.Key, f.Value, f.UpdatedBy, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	return nil
}

// GetFlag retrieves a feature flag by key.
func (d *DB) GetFlag(key string) (*Flag, error) {
	f := &Flag{}
	err := d.db.QueryRow(
		`SELECT key, value, updated_by, updated_at FROM flags WHERE key = ?`, key,
	).Scan(&f.Key, &f.Value, &f.UpdatedBy, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get flag %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get flag: %w", err)
	}
	return f, nil
}

// ListFlags returns all feature flags ordered by key.
func (d *DB) ListFlags() ([]Flag, error) {
	rows, err := d.db.Query(`SELECT key, value, updated_by, updated_at FROM flags ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []Flag
	for rows.Next() {
		var f Flag
		if err := rows.Scan(&f.Key, &f.Value, &f.UpdatedBy, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
