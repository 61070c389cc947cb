package store

import "fmt"

// migration mirrors internal/database/migrations.go's Migration{Version,SQL}
// shape: a linear, monotone list applied in order against user_version.
type migration struct {
	Version int
	SQL     string
}

// migrations defines the schema for every entity spec.md §3 names. DDL text
// itself is a non-goal (spec.md §1: "the embedded SQLite migrator's DDL text
// ... is not specified"); what's specified is the shape of the migration
// runner and the fact that every required entity has durable storage.
var migrations = []migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE folders (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				path TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT '',
				data TEXT NOT NULL
			);
			CREATE UNIQUE INDEX idx_folders_account_path ON folders(account_id, path);
			CREATE INDEX idx_folders_account_role ON folders(account_id, role);

			CREATE TABLE labels (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				path TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT '',
				data TEXT NOT NULL
			);
			CREATE UNIQUE INDEX idx_labels_account_path ON labels(account_id, path);

			CREATE TABLE messages (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				header_message_id TEXT,
				date DATETIME,
				subject TEXT,
				thread_id TEXT,
				remote_uid INTEGER NOT NULL DEFAULT 0,
				remote_folder_id TEXT,
				client_folder_id TEXT,
				unread INTEGER NOT NULL DEFAULT 0,
				starred INTEGER NOT NULL DEFAULT 0,
				draft INTEGER NOT NULL DEFAULT 0,
				unlinked INTEGER NOT NULL DEFAULT 0,
				unlink_phase INTEGER NOT NULL DEFAULT 0,
				sync_unsaved_changes INTEGER NOT NULL DEFAULT 0,
				synced_at DATETIME,
				data TEXT NOT NULL
			);
			CREATE INDEX idx_messages_account_folder ON messages(account_id, remote_folder_id);
			CREATE INDEX idx_messages_account_thread ON messages(account_id, thread_id);
			CREATE INDEX idx_messages_account_uid ON messages(account_id, remote_folder_id, remote_uid);
			CREATE INDEX idx_messages_unlinked ON messages(account_id, unlinked, unlink_phase);

			CREATE TABLE message_bodies (
				message_id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				body_text TEXT,
				body_html TEXT,
				fetched_at DATETIME,
				claimed_at DATETIME
			);

			CREATE TABLE threads (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				data TEXT NOT NULL
			);

			CREATE TABLE files (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				message_id TEXT NOT NULL,
				data TEXT NOT NULL
			);
			CREATE INDEX idx_files_message ON files(message_id);

			CREATE TABLE contact_books (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				url TEXT NOT NULL,
				data TEXT NOT NULL
			);

			CREATE TABLE contacts (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				book_id TEXT,
				email TEXT,
				href TEXT,
				hidden INTEGER NOT NULL DEFAULT 0,
				data TEXT NOT NULL
			);
			CREATE INDEX idx_contacts_book ON contacts(book_id);
			CREATE INDEX idx_contacts_href ON contacts(book_id, href);

			CREATE TABLE contact_groups (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				carrier_id TEXT,
				data TEXT NOT NULL
			);

			CREATE TABLE calendars (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				path TEXT NOT NULL,
				data TEXT NOT NULL
			);

			CREATE TABLE events (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				calendar_id TEXT NOT NULL,
				icsuid TEXT,
				recurrence_id TEXT,
				href TEXT,
				rs INTEGER,
				re INTEGER,
				data TEXT NOT NULL
			);
			CREATE INDEX idx_events_calendar ON events(calendar_id);
			CREATE INDEX idx_events_href ON events(calendar_id, href);

			CREATE TABLE tasks (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				constructor_name TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				data TEXT NOT NULL
			);
			CREATE INDEX idx_tasks_status ON tasks(status);

			CREATE TABLE metadata (
				account_id TEXT NOT NULL,
				plugin_id TEXT NOT NULL,
				object_type TEXT NOT NULL,
				object_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				expiration DATETIME,
				data TEXT NOT NULL,
				PRIMARY KEY (account_id, plugin_id, object_type, object_id)
			);
			CREATE INDEX idx_metadata_expiration ON metadata(expiration);

			-- Logical name kept honest per SPEC_FULL.md §9 (the source
			-- misspells this DetatchedPluginMetadata); physical table name
			-- follows the corrected spelling with no compatibility shim
			-- since this is a fresh schema, not a migration of existing data.
			CREATE TABLE detached_metadata (
				account_id TEXT NOT NULL,
				object_id TEXT NOT NULL,
				plugin_id TEXT NOT NULL,
				object_type TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				expiration DATETIME,
				data TEXT NOT NULL,
				PRIMARY KEY (account_id, object_id, plugin_id)
			);

			CREATE TABLE kv_settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
	},
}

func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (db *DB) applyMigration(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
