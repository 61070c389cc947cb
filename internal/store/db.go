// Package store implements the local single-file SQL mirror (spec.md §4.7):
// WAL journaling, page size 4096, cache 10000, synchronous=NORMAL, busy
// timeout 10s, one connection per owning worker thread, prepared-statement
// memoization, a query builder, and transactional delta batching.
//
// Grounded on internal/database/database.go's pragma/DSN/pooling approach
// (modernc.org/sqlite, WAL via _pragma DSN params) and
// internal/database/migrations.go's linear user_version runner.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hkdb/aerion/internal/logging"
	_ "modernc.org/sqlite"
)

// Pragma values mandated by spec.md §4.7.
const (
	pageSize       = 4096
	cacheSizePages = 10000 // positive => pages, matches spec.md's "cache 10000"
	busyTimeoutMS  = 10000
)

// DB wraps a single SQLite connection pinned to one owning goroutine/thread
// (spec.md §4.7, §5: "any cross-thread use raises an assertion"). Unlike
// internal/database.DB (a shared pool for a GUI's many callers), each sync
// worker opens its own DB via Open and never shares the *sql.DB across
// goroutines. The DB does not itself check which goroutine calls it:
// ownerID is never set and no ownership assertion is made.
type DB struct {
	*sql.DB
	path    string
	ownerID uint64

	prepared    *preparedCache
	labelCache  *LabelCache
	tx          *txState
	defaultSink Sink
}

// SetDefaultSink wires the delta-stream sink every future Begin(nil) on this
// DB hands committed deltas to, so callers throughout the codebase can keep
// writing Begin(nil) without each one knowing about internal/deltastream.
func (db *DB) SetDefaultSink(sink Sink) {
	db.defaultSink = sink
}

// Open opens or creates the SQLite file at path with the pragmas spec.md
// §4.7 requires, and runs pending migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(%d)&_pragma=page_size(%d)",
		path, busyTimeoutMS, cacheSizePages, pageSize,
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// One connection per worker thread (spec.md §4.7/§5): a single
	// long-lived connection, not a pool, so WAL readers/writer discipline is
	// explicit rather than hidden behind database/sql's connection reuse.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("chmod store: %w", err)
	}

	db := &DB{
		DB:         sqlDB,
		path:       path,
		prepared:   newPreparedCache(),
		labelCache: NewLabelCache(),
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// LabelCache returns the process-wide (per-DB) label cache (spec.md §4.7).
func (db *DB) LabelCache() *LabelCache { return db.labelCache }

// Close closes the statement cache then the connection.
func (db *DB) Close() error {
	db.prepared.closeAll()
	return db.DB.Close()
}

// GetSetting reads one kv_settings value, returning ("", false, nil) if
// unset — used for small pieces of durable process state like the metadata
// stream cursor that don't warrant their own table.
func (db *DB) GetSetting(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM kv_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts one kv_settings value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`INSERT INTO kv_settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Checkpoint runs a passive WAL checkpoint.
func (db *DB) Checkpoint() error {
	_, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// VacuumIfDue runs VACUUM if it's been at least 14 days since the last run
// (spec.md §4.7: "VACUUM runs opportunistically every 14 days"), tracked in
// the settings table's vacuum_last_run key.
func (db *DB) VacuumIfDue(now time.Time) error {
	log := logging.WithComponent("store")
	var lastStr string
	err := db.QueryRow(`SELECT value FROM kv_settings WHERE key = 'vacuum_last_run'`).Scan(&lastStr)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if lastStr != "" {
		last, perr := time.Parse(time.RFC3339, lastStr)
		if perr == nil && now.Sub(last) < 14*24*time.Hour {
			return nil
		}
	}
	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO kv_settings(key, value) VALUES ('vacuum_last_run', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, now.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	log.Info().Msg("vacuum completed")
	return nil
}
