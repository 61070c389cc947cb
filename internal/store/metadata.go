package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hkdb/aerion/internal/model"
)

// UpsertMetadata applies an incoming Metadata delta only when its version
// exceeds the stored version (spec.md §4.4: "upsert only when the incoming
// version exceeds the stored version"; §8 scenario S6). Returns applied=false
// when the incoming record was stale and therefore rejected.
func (tx *Tx) UpsertMetadata(m *model.Metadata) (applied bool, err error) {
	var current int64
	err = tx.QueryRow(
		`SELECT version FROM metadata WHERE account_id = ? AND plugin_id = ? AND object_type = ? AND object_id = ?`,
		m.AccountID, m.PluginID, m.ObjectType, m.ObjectID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// no existing record: any version is an improvement over absence.
	case err != nil:
		return false, err
	default:
		if m.Version <= current {
			return false, nil
		}
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(`
		INSERT INTO metadata (account_id, plugin_id, object_type, object_id, version, expiration, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, plugin_id, object_type, object_id) DO UPDATE SET
			version = excluded.version, expiration = excluded.expiration, data = excluded.data
	`, m.AccountID, m.PluginID, m.ObjectType, m.ObjectID, m.Version, nullExpiration(m.Expiration), string(payload))
	if err != nil {
		return false, err
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "Metadata", ID: m.ObjectID, Payload: payload})
	return true, nil
}

// SaveDetachedMetadata parks a Metadata record whose referenced model
// doesn't exist locally yet (spec.md §3, §4.4).
func (tx *Tx) SaveDetachedMetadata(d *model.DetachedMetadata) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO detached_metadata (account_id, object_id, plugin_id, object_type, version, expiration, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, object_id, plugin_id) DO UPDATE SET
			object_type = excluded.object_type, version = excluded.version,
			expiration = excluded.expiration, data = excluded.data
	`, d.AccountID, d.ObjectID, d.PluginID, d.ObjectType, d.Version, nullExpiration(d.Expiration), string(payload))
	return err
}

// AttachDetachedMetadata is called on first save of any model bearing id —
// it moves every parked DetachedMetadata row for that (accountId, objectId)
// into the live metadata table and removes the parked rows (spec.md §4.4:
// "Detached entries are attached on the next save of any new model bearing
// that id").
func (tx *Tx) AttachDetachedMetadata(accountID, objectID string) (int, error) {
	rows, err := tx.Query(
		`SELECT data FROM detached_metadata WHERE account_id = ? AND object_id = ?`,
		accountID, objectID,
	)
	if err != nil {
		return 0, err
	}
	var parked []model.DetachedMetadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return 0, err
		}
		var d model.DetachedMetadata
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			rows.Close()
			return 0, err
		}
		parked = append(parked, d)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	attached := 0
	for _, d := range parked {
		m := &model.Metadata{
			AccountID:  d.AccountID,
			PluginID:   d.PluginID,
			ObjectType: d.ObjectType,
			ObjectID:   d.ObjectID,
			Version:    d.Version,
			Attributes: d.Attributes,
			Expiration: d.Expiration,
		}
		ok, err := tx.UpsertMetadata(m)
		if err != nil {
			return attached, err
		}
		if ok {
			attached++
		}
	}
	if len(parked) > 0 {
		if _, err := tx.Exec(`DELETE FROM detached_metadata WHERE account_id = ? AND object_id = ?`, accountID, objectID); err != nil {
			return attached, err
		}
	}
	return attached, nil
}

// GetMetadata loads one Metadata record.
func (db *DB) GetMetadata(accountID, pluginID, objectType, objectID string) (*model.Metadata, error) {
	var data string
	err := db.QueryRow(
		`SELECT data FROM metadata WHERE account_id = ? AND plugin_id = ? AND object_type = ? AND object_id = ?`,
		accountID, pluginID, objectType, objectID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.Metadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// modelTableByObjectType maps a Metadata record's objectType tag to the
// table holding the referenced entity — the three SupportsMetadata
// implementors (spec.md §3: Message, Thread, Contact).
var modelTableByObjectType = map[string]string{
	"Message": "messages",
	"Thread":  "threads",
	"Contact": "contacts",
}

// ModelExists reports whether the model a Metadata record references is
// already persisted locally (spec.md §4.4: "locate the referenced model by
// (accountId, id, type)"). An unrecognized objectType is treated as absent
// rather than an error, so an unfamiliar plugin-side type just parks.
func (db *DB) ModelExists(accountID, objectType, objectID string) (bool, error) {
	table, ok := modelTableByObjectType[objectType]
	if !ok {
		return false, nil
	}
	var n int
	err := db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE account_id = ? AND id = ?`, table),
		accountID, objectID,
	).Scan(&n)
	return n > 0, err
}

// NextExpirationDeadline returns the nearest pending expiration timestamp
// across an account's metadata, used by internal/metadataexpiry to decide
// how long to sleep (spec.md §4.5).
func (db *DB) NextExpirationDeadline(accountID string) (time.Time, bool, error) {
	var t sql.NullTime
	err := db.QueryRow(
		`SELECT MIN(expiration) FROM metadata WHERE account_id = ? AND expiration IS NOT NULL`,
		accountID,
	).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

// ListExpiringMetadata returns every metadata record whose expiration has
// passed asOf, for the expiration worker to emit deltas for and then clear.
func (db *DB) ListExpiringMetadata(accountID string, asOf time.Time) ([]*model.Metadata, error) {
	rows, err := db.Query(
		`SELECT data FROM metadata WHERE account_id = ? AND expiration IS NOT NULL AND expiration <= ?`,
		accountID, asOf.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Metadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Metadata
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ClearExpiredMetadata removes a metadata record once its expiration delta
// has been emitted.
func (tx *Tx) ClearExpiredMetadata(accountID, pluginID, objectType, objectID string) error {
	_, err := tx.Exec(
		`DELETE FROM metadata WHERE account_id = ? AND plugin_id = ? AND object_type = ? AND object_id = ?`,
		accountID, pluginID, objectType, objectID,
	)
	return err
}

func nullExpiration(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
