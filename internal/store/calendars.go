package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hkdb/aerion/internal/model"
)

// SaveCalendar inserts or updates a Calendar.
func (tx *Tx) SaveCalendar(c *model.Calendar) error {
	c.BumpVersion()
	payload, err := c.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal calendar: %w", err)
	}
	insert, err := tx.db.insertStmt("calendars", `
		INSERT INTO calendars (id, account_id, version, path, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, path = excluded.path, data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(c.ID, c.AccountID, c.Version, c.Path, string(payload)); err != nil {
		return fmt.Errorf("save calendar: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "Calendar", ID: c.ID, Payload: payload})
	return nil
}

// DeleteCalendar removes a Calendar absent from a later PROPFIND of the
// home-set (spec.md §4.2 collection-list sweep).
func (tx *Tx) DeleteCalendar(id string) error {
	del, err := tx.db.deleteStmt("calendars", `DELETE FROM calendars WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Calendar", ID: id})
	return nil
}

// GetCalendar loads one Calendar by id.
func (db *DB) GetCalendar(id string) (*model.Calendar, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM calendars WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.Calendar
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCalendars returns every Calendar for an account.
func (db *DB) ListCalendars(accountID string) ([]*model.Calendar, error) {
	rows, err := db.Query(`SELECT data FROM calendars WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Calendar
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c model.Calendar
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SaveEvent inserts or updates an Event. Href and etag change across
// revisions, but id is stable (spec.md §8 invariant #6) so this is always an
// upsert keyed on id, never an href-based replace.
func (tx *Tx) SaveEvent(e *model.Event) error {
	e.BumpVersion()
	payload, err := e.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	insert, err := tx.db.insertStmt("events", `
		INSERT INTO events (id, account_id, version, calendar_id, icsuid, recurrence_id, href, rs, re, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, href = excluded.href,
			rs = excluded.rs, re = excluded.re, data = excluded.data
	`)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(insert).Exec(
		e.ID, e.AccountID, e.Version, e.CalendarID, e.ICSUID, nullStr(e.RecurrenceID), e.Href, e.RS, e.RE, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "Event", ID: e.ID, Payload: payload})
	return nil
}

// DeleteEvent removes an Event no longer present on the server.
func (tx *Tx) DeleteEvent(id string) error {
	del, err := tx.db.deleteStmt("events", `DELETE FROM events WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Event", ID: id})
	return nil
}

// GetEvent loads one Event by id.
func (db *DB) GetEvent(id string) (*model.Event, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM events WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEventByHref looks up an Event by its last-known href — used by the
// legacy etag-list fallback, which only has hrefs/etags to compare against
// (spec.md §4.2).
func (db *DB) FindEventByHref(calendarID, href string) (*model.Event, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM events WHERE calendar_id = ? AND href = ?`, calendarID, href).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEventByHref removes an Event by its CalDAV href, a no-op if no
// local row carries that href (spec.md §4.2 deletion matching).
func (tx *Tx) DeleteEventByHref(db *DB, calendarID, href string) error {
	e, err := db.FindEventByHref(calendarID, href)
	if err != nil || e == nil {
		return err
	}
	return tx.DeleteEvent(e.ID)
}

// FindEventByICSUID looks up the base (non-exception) Event for a UID — used
// when expanding RRULE instances so each generated occurrence can be matched
// back to a prior expansion by (icsuid, recurrenceId).
func (db *DB) FindEventByICSUID(calendarID, icsuid, recurrenceID string) (*model.Event, error) {
	var data string
	err := db.QueryRow(
		`SELECT data FROM events WHERE calendar_id = ? AND icsuid = ? AND recurrence_id IS ?`,
		calendarID, icsuid, nullStr(recurrenceID),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEventsInCalendar returns every Event belonging to a calendar.
func (db *DB) ListEventsInCalendar(calendarID string) ([]*model.Event, error) {
	rows, err := db.Query(`SELECT data FROM events WHERE calendar_id = ?`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e model.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
