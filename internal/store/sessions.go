package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRecord is the persisted projection of an in-memory Session
// (spec.md §3): only what must survive a process restart for crash
// reconciliation, not the live PTY/ring-buffer state.
type SessionRecord struct {
	SessionID      string
	TriggerID      string
	Command        []string
	WorkingDir     string
	WorktreePath   string
	ExecutionType  string
	ExecutionMode  string
	Status         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// SessionRecords is the session half of Store.
type SessionRecords interface {
	CreateSession(ctx context.Context, s *SessionRecord) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string, activityAt time.Time) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	ListActiveSessions(ctx context.Context) ([]*SessionRecord, error)
}

func (d *DB) CreateSession(ctx context.Context, s *SessionRecord) error {
	cmdJSON, err := json.Marshal(s.Command)
	if err != nil {
		return fmt.Errorf("store: marshal command: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, trigger_id, command_json, working_dir, worktree_path,
			execution_type, execution_mode, status, created_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, nullableString(s.TriggerID), string(cmdJSON), s.WorkingDir,
		nullableString(s.WorktreePath), s.ExecutionType, s.ExecutionMode, s.Status,
		s.CreatedAt.Unix(), s.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus records a monotonic status transition (spec.md §3
// "status transitions are monotonic"). terminal statuses additionally stamp
// ended_at.
func (d *DB) UpdateSessionStatus(ctx context.Context, sessionID, status string, activityAt time.Time) error {
	var endedAt interface{}
	if status == "completed" || status == "failed" {
		endedAt = activityAt.Unix()
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity_at = ?, ended_at = COALESCE(?, ended_at)
		WHERE session_id = ?`, status, activityAt.Unix(), endedAt, sessionID)
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT session_id, trigger_id, command_json, working_dir, worktree_path,
		       execution_type, execution_mode, status, created_at, last_activity_at, ended_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListActiveSessions returns sessions not in a terminal status — used at
// startup for crash reconciliation (spec.md §4.4).
func (d *DB) ListActiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT session_id, trigger_id, command_json, working_dir, worktree_path,
		       execution_type, execution_mode, status, created_at, last_activity_at, ended_at
		FROM sessions WHERE status IN ('active', 'paused') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*SessionRecord, error) {
	var s SessionRecord
	var triggerID, worktreePath, cmdJSON sql.NullString
	var createdAt, lastActivityAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&s.SessionID, &triggerID, &cmdJSON, &s.WorkingDir, &worktreePath,
		&s.ExecutionType, &s.ExecutionMode, &s.Status, &createdAt, &lastActivityAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	s.TriggerID, s.WorktreePath = triggerID.String, worktreePath.String
	if cmdJSON.Valid {
		_ = json.Unmarshal([]byte(cmdJSON.String), &s.Command)
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastActivityAt = time.Unix(lastActivityAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		s.EndedAt = &t
	}
	return &s, nil
}
