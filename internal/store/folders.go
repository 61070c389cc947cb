package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hkdb/aerion/internal/model"
)

// SaveFolder inserts or updates a Folder, bumping its version and emitting a
// persist delta (buffered if a transaction is open, per spec.md §4.6/§4.7).
func (tx *Tx) SaveFolder(f *model.Folder) error {
	f.BumpVersion()
	payload, err := f.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal folder: %w", err)
	}

	insert, err := tx.db.insertStmt("folders", `
		INSERT INTO folders (id, account_id, version, path, role, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			path = excluded.path,
			role = excluded.role,
			data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(f.ID, f.AccountID, f.Version, f.Path, string(f.Role), string(payload)); err != nil {
		return fmt.Errorf("save folder: %w", err)
	}

	tx.Emit(Delta{Type: "persist", ModelClass: "Folder", ID: f.ID, Payload: payload})
	return nil
}

// DeleteFolder removes a Folder absent from the server's LIST response
// (spec.md §4.1 "Folder-list sweep ... delete absent ones").
func (tx *Tx) DeleteFolder(id string) error {
	del, err := tx.db.deleteStmt("folders", `DELETE FROM folders WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Folder", ID: id})
	return nil
}

// ListFolders returns every Folder for an account.
func (db *DB) ListFolders(accountID string) ([]*model.Folder, error) {
	rows, err := db.Query(`SELECT data FROM folders WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Folder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f model.Folder
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// GetFolder loads one Folder by id, returning (nil, nil) if absent.
func (db *DB) GetFolder(id string) (*model.Folder, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM folders WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f model.Folder
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFolderTx is the in-transaction counterpart of GetFolder (spec.md §4.7:
// the store's single pinned connection means a db.Query call inside an open
// Tx would block forever waiting for a second connection).
func (tx *Tx) GetFolderTx(id string) (*model.Folder, error) {
	var data string
	err := tx.QueryRow(`SELECT data FROM folders WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f model.Folder
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFoldersTx is the in-transaction counterpart of ListFolders.
func (tx *Tx) ListFoldersTx(accountID string) ([]*model.Folder, error) {
	rows, err := tx.Query(`SELECT data FROM folders WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Folder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f model.Folder
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// SaveLabel mirrors SaveFolder for Gmail-style Labels, bumping the process
// label-cache generation (spec.md §4.7).
func (tx *Tx) SaveLabel(l *model.Label) error {
	l.BumpVersion()
	payload, err := l.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal label: %w", err)
	}
	insert, err := tx.db.insertStmt("labels", `
		INSERT INTO labels (id, account_id, version, path, role, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, path = excluded.path,
			role = excluded.role, data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(l.ID, l.AccountID, l.Version, l.Path, string(l.Role), string(payload)); err != nil {
		return fmt.Errorf("save label: %w", err)
	}
	tx.db.labelCache.Bump()
	tx.Emit(Delta{Type: "persist", ModelClass: "Label", ID: l.ID, Payload: payload})
	return nil
}

// DeleteLabel mirrors DeleteFolder for Labels.
func (tx *Tx) DeleteLabel(id string) error {
	del, err := tx.db.deleteStmt("labels", `DELETE FROM labels WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	tx.db.labelCache.Bump()
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Label", ID: id})
	return nil
}

// ListLabels returns every Label for an account.
func (db *DB) ListLabels(accountID string) ([]*model.Label, error) {
	rows, err := db.Query(`SELECT data FROM labels WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Label
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l model.Label
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
