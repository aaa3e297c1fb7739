// Package store is the persistence adapter behind spec.md §3's "opaque
// relational store": accounts, rate-limit windows, scheduler state, and
// terminal session records outlive the process. Grounded on
// ashureev-shsh-labs's internal/store/sqlite.go (modernc.org/sqlite, WAL
// pragmas, busy-timeout DSN, ON CONFLICT upserts, Unix-second timestamps)
// and ehrlich-b-wingthing's internal/store package (one file per entity
// group, narrow Store interface consumed by callers instead of *sql.DB).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the narrow persistence contract consumed by the rest of the
// control plane. Callers never see *sql.DB directly (spec.md §9 "no ORM,
// no SQL leaking past this package").
type Store interface {
	Accounts
	Windows
	SchedulerState
	SessionRecords
	MonitoringConfig
	Ping(ctx context.Context) error
	Close() error
}

// DB wraps a *sql.DB and implements Store.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) the parent directory, opens a WAL-mode SQLite
// database at path, and applies the embedded schema.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite has no true concurrent writers; serialize.
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(schema)
	return err
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

// Close releases the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

const schema = `
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS accounts (
	account_id        TEXT PRIMARY KEY,
	backend           TEXT NOT NULL,
	display_name      TEXT NOT NULL,
	email             TEXT,
	config_path       TEXT,
	api_key_env_var   TEXT,
	is_default        INTEGER NOT NULL DEFAULT 0,
	plan              TEXT,
	rate_limited_until INTEGER,
	last_used_at      INTEGER,
	total_executions  INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
	account_id     TEXT NOT NULL,
	window_type    TEXT NOT NULL,
	tokens_used    INTEGER NOT NULL DEFAULT 0,
	tokens_limit   INTEGER NOT NULL DEFAULT 0,
	percentage     REAL NOT NULL DEFAULT 0,
	threshold_level TEXT NOT NULL DEFAULT 'normal',
	resets_at      INTEGER,
	recorded_at    INTEGER NOT NULL,
	PRIMARY KEY (account_id, window_type, recorded_at)
);
CREATE INDEX IF NOT EXISTS idx_windows_latest ON rate_limit_windows(account_id, window_type, recorded_at DESC);

CREATE TABLE IF NOT EXISTS scheduler_state (
	account_id              TEXT PRIMARY KEY,
	state                   TEXT NOT NULL DEFAULT 'queued',
	stop_reason             TEXT,
	stop_window_type        TEXT,
	stop_eta_minutes        REAL,
	resume_estimate         INTEGER,
	consecutive_safe_polls  INTEGER NOT NULL DEFAULT 0,
	updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	trigger_id      TEXT,
	command_json    TEXT NOT NULL,
	working_dir     TEXT NOT NULL,
	worktree_path   TEXT,
	execution_type  TEXT NOT NULL,
	execution_mode  TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	created_at      INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	ended_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS monitoring_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// now returns Unix seconds. Collected here so callers never write time.Now
// directly into a query (keeps timestamp handling consistent across files,
// matching the teacher's Unix()-everywhere convention).
func now() int64 { return time.Now().Unix() }
