package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hkdb/aerion/internal/model"
)

// SaveContactBook inserts or updates a ContactBook (spec.md §4.2).
func (tx *Tx) SaveContactBook(b *model.ContactBook) error {
	b.BumpVersion()
	payload, err := b.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal contact book: %w", err)
	}
	insert, err := tx.db.insertStmt("contact_books", `
		INSERT INTO contact_books (id, account_id, version, url, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, url = excluded.url, data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(b.ID, b.AccountID, b.Version, b.URL, string(payload)); err != nil {
		return fmt.Errorf("save contact book: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "ContactBook", ID: b.ID, Payload: payload})
	return nil
}

// GetContactBook loads one ContactBook by id.
func (db *DB) GetContactBook(id string) (*model.ContactBook, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM contact_books WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b model.ContactBook
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListContactBooks returns every ContactBook for an account.
func (db *DB) ListContactBooks(accountID string) ([]*model.ContactBook, error) {
	rows, err := db.Query(`SELECT data FROM contact_books WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ContactBook
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b model.ContactBook
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// SaveContact inserts or updates a Contact. It does not check whether a
// group's member contacts exist, and the dav ingestion path saves each card
// as it arrives, so groups are not deferred until after their members.
func (tx *Tx) SaveContact(c *model.Contact) error {
	c.BumpVersion()
	payload, err := c.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}
	insert, err := tx.db.insertStmt("contacts", `
		INSERT INTO contacts (id, account_id, version, book_id, email, href, hidden, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, book_id = excluded.book_id,
			email = excluded.email, href = excluded.href, hidden = excluded.hidden, data = excluded.data
	`)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(insert).Exec(c.ID, c.AccountID, c.Version, c.BookID, c.Email, c.Info.Href, boolInt(c.Hidden), string(payload))
	if err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "Contact", ID: c.ID, Payload: payload})
	return nil
}

// DeleteContact removes a Contact by id (spec.md §4.2 deletion matching, via
// the caller's normalized-href comparison).
func (tx *Tx) DeleteContact(id string) error {
	del, err := tx.db.deleteStmt("contacts", `DELETE FROM contacts WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(del).Exec(id); err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	tx.Emit(Delta{Type: "unpersist", ModelClass: "Contact", ID: id})
	return nil
}

// ListContactsInBook returns every Contact belonging to a book, including
// hidden group carriers (spec.md §4.2).
func (db *DB) ListContactsInBook(bookID string) ([]*model.Contact, error) {
	rows, err := db.Query(`SELECT data FROM contacts WHERE book_id = ?`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Contact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// FindContactByHref looks up a contact within a book by its CardDAV href,
// the server-assigned resource path used to match sync-collection updates
// and deletes against local rows (spec.md §4.2).
func (db *DB) FindContactByHref(bookID, href string) (*model.Contact, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM contacts WHERE book_id = ? AND href = ?`, bookID, href).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.Contact
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContactByHref removes a contact by its CardDAV href, used when a
// sync-collection REPORT reports a deletion (spec.md §4.2). It is a no-op
// if no local row carries that href.
func (tx *Tx) DeleteContactByHref(bookID, href string) error {
	c, err := tx.FindContactByHref(bookID, href)
	if err != nil || c == nil {
		return err
	}
	return tx.DeleteContact(c.ID)
}

// FindContactByHref is the in-transaction counterpart, reading through the
// open transaction so deletes within the same sync pass observe prior
// writes in that pass.
func (tx *Tx) FindContactByHref(bookID, href string) (*model.Contact, error) {
	var data string
	err := tx.QueryRow(`SELECT data FROM contacts WHERE book_id = ? AND href = ?`, bookID, href).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.Contact
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveContactGroup inserts or updates a ContactGroup.
func (tx *Tx) SaveContactGroup(g *model.ContactGroup) error {
	g.BumpVersion()
	payload, err := g.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal contact group: %w", err)
	}
	insert, err := tx.db.insertStmt("contact_groups", `
		INSERT INTO contact_groups (id, account_id, version, carrier_id, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, carrier_id = excluded.carrier_id, data = excluded.data
	`)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insert).Exec(g.ID, g.AccountID, g.Version, g.CarrierID, string(payload)); err != nil {
		return fmt.Errorf("save contact group: %w", err)
	}
	tx.Emit(Delta{Type: "persist", ModelClass: "ContactGroup", ID: g.ID, Payload: payload})
	return nil
}
