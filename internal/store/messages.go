package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hkdb/aerion/internal/model"
)

// SaveMessage inserts or updates a Message. Callers are responsible for
// checking model.Message.Locked() before overwriting remote-derived fields
// (spec.md §3 invariant #3) — SaveMessage itself just persists whatever the
// caller hands it.
func (tx *Tx) SaveMessage(m *model.Message) error {
	m.BumpVersion()
	payload, err := m.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	insert, err := tx.db.insertStmt("messages", `
		INSERT INTO messages (
			id, account_id, version, header_message_id, date, subject, thread_id,
			remote_uid, remote_folder_id, client_folder_id, unread, starred, draft,
			unlinked, unlink_phase, sync_unsaved_changes, synced_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			header_message_id = excluded.header_message_id,
			date = excluded.date,
			subject = excluded.subject,
			thread_id = excluded.thread_id,
			remote_uid = excluded.remote_uid,
			remote_folder_id = excluded.remote_folder_id,
			client_folder_id = excluded.client_folder_id,
			unread = excluded.unread,
			starred = excluded.starred,
			draft = excluded.draft,
			unlinked = excluded.unlinked,
			unlink_phase = excluded.unlink_phase,
			sync_unsaved_changes = excluded.sync_unsaved_changes,
			synced_at = excluded.synced_at,
			data = excluded.data
	`)
	if err != nil {
		return err
	}

	_, err = tx.Stmt(insert).Exec(
		m.ID, m.AccountID, m.Version, nullStr(m.HeaderMessageID), nullTime(m.Date), m.Subject, m.ThreadID,
		m.RemoteUID, m.RemoteFolderID, m.ClientFolderID, boolInt(m.Unread), boolInt(m.Starred), boolInt(m.Draft),
		boolInt(m.Unlinked), m.UnlinkPhase, m.SyncUnsavedChanges, nullTime(m.SyncedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	tx.Emit(Delta{Type: "persist", ModelClass: "Message", ID: m.ID, Payload: payload})
	return nil
}

// DeleteMessage removes a Message permanently — called only after two-phase
// deletion completes (spec.md §4.1).
func (tx *Tx) DeleteMessage(id string) error {
	del, err := tx.db.deleteStmt("messages", `DELETE FROM messages WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Message", ID: id})
	return nil
}

// GetMessage loads one Message by id.
func (db *DB) GetMessage(id string) (*model.Message, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM messages WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByUID looks up a Message by its (remoteFolderId, remoteUID)
// pair — the primary lookup for attribute diffing (spec.md §4.1).
func (db *DB) FindMessageByUID(folderID string, uid uint32) (*model.Message, error) {
	var data string
	err := db.QueryRow(
		`SELECT data FROM messages WHERE remote_folder_id = ? AND remote_uid = ? AND unlinked = 0`,
		folderID, uid,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByID looks up a Message by its computed hash id — used to
// detect moves (the same logical message reappearing in another folder,
// spec.md §4.1 "Insert may discover ... the message already exists in
// another folder and rewrite remoteFolderId instead").
func (db *DB) FindMessageByID(id string) (*model.Message, error) {
	return db.GetMessage(id)
}

// FindMessageByUID is the in-transaction counterpart of DB.FindMessageByUID,
// used by imapsync while holding the folder's write transaction open.
func (tx *Tx) FindMessageByUID(folderID string, uid uint32) (*model.Message, error) {
	var data string
	err := tx.QueryRow(
		`SELECT data FROM messages WHERE remote_folder_id = ? AND remote_uid = ? AND unlinked = 0`,
		folderID, uid,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByID is the in-transaction counterpart of DB.FindMessageByID.
func (tx *Tx) FindMessageByID(id string) (*model.Message, error) {
	var data string
	err := tx.QueryRow(`SELECT data FROM messages WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListUIDsInFolder returns every non-unlinked remote UID currently recorded
// for a folder, used by the deep/shallow scans and two-phase deletion to
// determine which local messages the latest server response didn't mention.
func (db *DB) ListUIDsInFolder(folderID string) ([]uint32, error) {
	rows, err := db.Query(`SELECT remote_uid FROM messages WHERE remote_folder_id = ? AND unlinked = 0`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// ListUnlinkedInOtherPhase returns messages unlinked under any phase other
// than currentPhase — these are truly gone (spec.md §4.1 two-phase deletion).
func (db *DB) ListUnlinkedInOtherPhase(folderID string, currentPhase int) ([]*model.Message, error) {
	rows, err := db.Query(
		`SELECT data FROM messages WHERE remote_folder_id = ? AND unlinked = 1 AND unlink_phase != ?`,
		folderID, currentPhase,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ListUIDsInFolderTx is the in-transaction counterpart of ListUIDsInFolder.
func (tx *Tx) ListUIDsInFolderTx(folderID string) ([]uint32, error) {
	rows, err := tx.Query(`SELECT remote_uid FROM messages WHERE remote_folder_id = ? AND unlinked = 0`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// ListUnlinkedInOtherPhaseTx is the in-transaction counterpart of
// ListUnlinkedInOtherPhase.
func (tx *Tx) ListUnlinkedInOtherPhaseTx(folderID string, currentPhase int) ([]*model.Message, error) {
	rows, err := tx.Query(
		`SELECT data FROM messages WHERE remote_folder_id = ? AND unlinked = 1 AND unlink_phase != ?`,
		folderID, currentPhase,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ListMessagesNeedingBody returns up to limit messages in folder that are
// body-cache eligible (not yet claimed or fetched), newest date first,
// restricted to drafts or messages newer than cutoff (spec.md §4.1 "Body
// fetch policy": batches of 30 descending date order, messages <90 days or
// drafts).
func (db *DB) ListMessagesNeedingBody(folderID string, cutoff time.Time, limit int) ([]*model.Message, error) {
	rows, err := db.Query(`
		SELECT m.data FROM messages m
		LEFT JOIN message_bodies mb ON mb.message_id = m.id
		WHERE m.remote_folder_id = ? AND m.unlinked = 0 AND mb.message_id IS NULL
		  AND (m.draft = 1 OR m.date >= ?)
		ORDER BY m.date DESC
		LIMIT ?
	`, folderID, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- message bodies ---

// ClaimBodyFetch writes an empty body row to claim the fetch work before
// issuing the IMAP request, so retries are suppressed once claimed (spec.md
// §4.1 "An empty body row is written before each fetch to claim the work").
func (tx *Tx) ClaimBodyFetch(accountID, messageID string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO message_bodies (message_id, account_id, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET claimed_at = excluded.claimed_at
	`, messageID, accountID, now.UTC())
	return err
}

// SaveBody stores the fetched body text/HTML.
func (tx *Tx) SaveBody(messageID, bodyText, bodyHTML string, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE message_bodies SET body_text = ?, body_html = ?, fetched_at = ?
		WHERE message_id = ?
	`, bodyText, bodyHTML, now.UTC(), messageID)
	return err
}

// LoadBody reads back a message's stored body text/HTML, used when
// building the outgoing MIME for a SendDraft task.
func (db *DB) LoadBody(messageID string) (bodyText, bodyHTML string, err error) {
	err = db.QueryRow(`SELECT body_text, body_html FROM message_bodies WHERE message_id = ?`, messageID).
		Scan(&bodyText, &bodyHTML)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return bodyText, bodyHTML, err
}

// HasBody reports whether a body row (claimed or fetched) exists already.
func (db *DB) HasBody(messageID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM message_bodies WHERE message_id = ?`, messageID).Scan(&n)
	return n > 0, err
}

// PurgeOldBodies deletes body rows fetched before bodyOlderThan for messages
// dated before messageOlderThan (spec.md §4.1 cleanup pass: "body rows older than
// 14 days for messages older than 90 days are purged").
func (tx *Tx) PurgeOldBodies(accountID string, bodyOlderThan, messageOlderThan time.Time) (int64, error) {
	res, err := tx.Exec(`
		DELETE FROM message_bodies WHERE message_id IN (
			SELECT mb.message_id FROM message_bodies mb
			JOIN messages m ON m.id = mb.message_id
			WHERE mb.account_id = ? AND mb.fetched_at IS NOT NULL AND mb.fetched_at < ?
			  AND m.date < ?
		)
	`, accountID, bodyOlderThan.UTC(), messageOlderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountBodies recomputes bodiesPresent/bodiesWanted via count queries
// (spec.md §4.1 cleanup pass).
func (db *DB) CountBodies(folderID string) (present, wanted int, err error) {
	err = db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM message_bodies mb JOIN messages m ON m.id = mb.message_id
			   WHERE m.remote_folder_id = ? AND mb.fetched_at IS NOT NULL),
			(SELECT COUNT(*) FROM messages WHERE remote_folder_id = ? AND unlinked = 0)
	`, folderID, folderID).Scan(&present, &wanted)
	return
}

// --- helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
