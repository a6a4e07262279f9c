// Package db is the sqlite-backed store for the GitHub integration engine:
// credential records (installations, authorizations), project↔repository
// integrations, task↔issue/pull-request mappings, comment mappings, and the
// minimal local tracker state the engine mutates (projects, statuses, tasks,
// comments, users).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id TEXT NOT NULL REFERENCES projects(id),
	user_id TEXT NOT NULL REFERENCES users(id),
	PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS statuses (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	is_begin INTEGER NOT NULL DEFAULT 0,
	is_final INTEGER NOT NULL DEFAULT 0,
	ordinal INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_counters (
	project_id TEXT PRIMARY KEY REFERENCES projects(id),
	value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status_id TEXT NOT NULL REFERENCES statuses(id),
	assignee_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (project_id, number)
);

CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	author_id TEXT NOT NULL REFERENCES users(id),
	content TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS installations (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	token TEXT NOT NULL DEFAULT '',
	expires_at TEXT NOT NULL DEFAULT '1970-01-01T00:00:01Z',
	suspended INTEGER NOT NULL DEFAULT 0,
	account_login TEXT NOT NULL DEFAULT '',
	account_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS authorizations (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	login TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	expires_at TEXT NOT NULL DEFAULT '1970-01-01T00:00:01Z',
	refresh_token TEXT NOT NULL DEFAULT '',
	refresh_expires_at TEXT NOT NULL DEFAULT '1970-01-01T00:00:01Z',
	token_type TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	installation_id INTEGER NOT NULL REFERENCES installations(id),
	repository_full_name TEXT NOT NULL,
	deleted_at TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_active_project
	ON integrations(project_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS task_integrations (
	task_id TEXT NOT NULL REFERENCES tasks(id),
	integration_id TEXT NOT NULL REFERENCES integrations(id),
	type TEXT NOT NULL CHECK (type IN ('issue', 'pull_request')),
	issue_number INTEGER NOT NULL,
	merged INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, integration_id, type),
	UNIQUE (integration_id, type, issue_number)
);

CREATE TABLE IF NOT EXISTS comment_integrations (
	remote_comment_id INTEGER PRIMARY KEY,
	comment_id TEXT NOT NULL REFERENCES comments(id)
);
`

// Open opens (creating if needed) the sqlite database at path and runs the
// schema migration.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (db *DB) tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
