package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hkdb/aerion/internal/model"
)

// SaveTask inserts or updates a Task (spec.md §4.3).
func (tx *Tx) SaveTask(t *model.Task) error {
	t.BumpVersion()
	payload, err := t.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	insert, err := tx.db.insertStmt("tasks", `
		INSERT INTO tasks (id, account_id, version, constructor_name, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, status = excluded.status,
			updated_at = excluded.updated_at, data = excluded.data
	`)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(insert).Exec(
		t.ID, t.AccountID, t.Version, string(t.ConstructorName), string(t.Status),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	// Task saves are deliberately silent by default — performRemote's
	// success path emits a silent save for the *models it mutated*, not for
	// the Task bookkeeping record itself (spec.md §4.3).
	return nil
}

// DeleteTask removes a Task past the cleanup window (spec.md §3).
func (tx *Tx) DeleteTask(id string) error {
	del, err := tx.db.deleteStmt("tasks", `DELETE FROM tasks WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(del).Exec(id)
	return err
}

// GetTask loads one Task by id.
func (db *DB) GetTask(id string) (*model.Task, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t model.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasksByStatus returns every task in the given status, oldest first —
// used both for normal dispatch and for the crash-recovery purge of
// stuck `status=local` tasks (spec.md §4.3).
func (db *DB) ListTasksByStatus(status model.TaskStatus) ([]*model.Task, error) {
	rows, err := db.Query(`SELECT data FROM tasks WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t model.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
