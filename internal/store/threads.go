package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hkdb/aerion/internal/model"
)

// SaveThread inserts or updates a Thread.
func (tx *Tx) SaveThread(t *model.Thread) error {
	t.BumpVersion()
	payload, err := t.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}
	insert, err := tx.db.insertStmt("threads", `
		INSERT INTO threads (id, account_id, version, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(t.ID, t.AccountID, t.Version, string(payload)); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "Thread", ID: t.ID, Payload: payload})
	return nil
}

// DeleteThread removes a Thread — called when its last message leaves
// (spec.md §3 "Threads are ... deleted when the last message leaves").
func (tx *Tx) DeleteThread(id string) error {
	del, err := tx.db.deleteStmt("threads", `DELETE FROM threads WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Thread", ID: id})
	return nil
}

// GetThread loads one Thread by id.
func (db *DB) GetThread(id string) (*model.Thread, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM threads WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t model.Thread
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetThreadTx is the in-transaction counterpart of GetThread.
func (tx *Tx) GetThreadTx(id string) (*model.Thread, error) {
	var data string
	err := tx.QueryRow(`SELECT data FROM threads WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t model.Thread
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ThreadMessageContributions gathers the per-message Contribution values a
// Thread's counters are recomputed from (spec.md §3 invariant: thread
// counters equal the sum of message contributions).
func (db *DB) ThreadMessageContributions(threadID string) ([]model.Contribution, error) {
	rows, err := db.Query(`SELECT data FROM messages WHERE thread_id = ? AND unlinked = 0`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		c := model.Contribution{
			FolderID:  m.RemoteFolderID,
			Timestamp: m.Date.Unix(),
		}
		if m.Unread {
			c.Unread = 1
		}
		if m.Starred {
			c.Starred = 1
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountMessagesInThread reports how many non-unlinked messages remain in a
// thread, used to decide whether the Thread itself should be deleted.
func (db *DB) CountMessagesInThread(threadID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ? AND unlinked = 0`, threadID).Scan(&n)
	return n, err
}

// ThreadMessageContributionsTx is the in-transaction counterpart of
// ThreadMessageContributions. Since the store pins a single connection per
// DB (spec.md §4.7), a db.Query call made while a Tx already holds that
// connection would block waiting for a second one that never comes —
// anything recomputing thread counters inside performLocal/performRemote's
// transaction must go through this, not the DB method.
func (tx *Tx) ThreadMessageContributionsTx(threadID string) ([]model.Contribution, error) {
	rows, err := tx.Query(`SELECT data FROM messages WHERE thread_id = ? AND unlinked = 0`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		c := model.Contribution{
			FolderID:  m.RemoteFolderID,
			Timestamp: m.Date.Unix(),
		}
		if m.Unread {
			c.Unread = 1
		}
		if m.Starred {
			c.Starred = 1
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountMessagesInThreadTx is the in-transaction counterpart of CountMessagesInThread.
func (tx *Tx) CountMessagesInThreadTx(threadID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ? AND unlinked = 0`, threadID).Scan(&n)
	return n, err
}
