package store

import (
	"database/sql"
	"fmt"
)

// Delta is the minimal shape store emits into a transaction's pending list;
// internal/deltastream.Buffer consumes these on commit (spec.md §4.6:
// "deltas accumulate into a per-transaction list and are handed to the
// stream only on commit; rollback discards them").
type Delta struct {
	Type       string // "persist" | "unpersist"
	ModelClass string
	ID         string
	Payload    []byte // JSON, nil for unpersist-by-id-only
}

// Sink receives the deltas produced by a committed transaction.
type Sink interface {
	Accept(deltas []Delta)
}

// txState tracks whether a transaction is currently open on this DB (single
// connection, single owning goroutine — spec.md §4.7/§5) and its pending
// delta list.
type txState struct {
	open    bool
	pending []Delta
}

// Tx wraps *sql.Tx with delta buffering. Emit() during the transaction's
// lifetime only appends to the pending list; the list is flushed to Sink on
// Commit and discarded on Rollback (spec.md §4.6's transactional batching
// rule) — and, per spec.md §4.7, "after a failed commit the transaction may
// still be active and must not be blindly reopened": Commit clears
// transactionOpen only on success, mirrored here by clearing db.tx only on a
// successful Commit (Rollback clears it whatever its result).
type Tx struct {
	*sql.Tx
	db   *DB
	sink Sink
}

// Begin starts a transaction. Per spec.md §4.7/§5 there is one connection
// per worker, so nested Begin calls are a programmer error, not a runtime
// retry case — it returns an error rather than silently serializing.
func (db *DB) Begin(sink Sink) (*Tx, error) {
	if db.tx != nil && db.tx.open {
		return nil, fmt.Errorf("store: transaction already open on this connection")
	}
	sqlTx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	db.tx = &txState{open: true}
	if sink == nil {
		sink = db.defaultSink
	}
	return &Tx{Tx: sqlTx, db: db, sink: sink}, nil
}

// Emit buffers a delta for the eventual commit-time flush.
func (tx *Tx) Emit(d Delta) {
	tx.db.tx.pending = append(tx.db.tx.pending, d)
}

// Commit commits the underlying transaction and, only on success, hands the
// buffered deltas to the sink and clears the open flag.
func (tx *Tx) Commit() error {
	if err := tx.Tx.Commit(); err != nil {
		// transactionOpen stays true: per spec.md §4.7 a failed commit may
		// leave the transaction active, and the caller must not silently
		// reopen. The caller is expected to inspect the error and decide
		// whether to retry Commit or explicitly Rollback.
		return err
	}
	pending := tx.db.tx.pending
	tx.db.tx = nil
	if tx.sink != nil && len(pending) > 0 {
		tx.sink.Accept(pending)
	}
	return nil
}

// Rollback rolls back and discards any buffered deltas.
func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.db.tx = nil
	return err
}

// InTransaction exposes whether a transaction is currently open on
// this DB, used by code that needs to route a delta either directly to the
// stream or into the pending buffer (spec.md §4.6).
func (db *DB) InTransaction() bool {
	return db.tx != nil && db.tx.open
}
