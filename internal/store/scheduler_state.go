package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchedulerSessionState mirrors spec.md §3's "Scheduler Session State"
// entity — one row per account, tracking admission-control status.
type SchedulerSessionState struct {
	AccountID             string
	State                 string // queued|running|stopped
	StopReason            string // at_limit|approaching_limit
	StopWindowType        string
	StopETAMinutes        float64
	ResumeEstimate        *time.Time
	ConsecutiveSafePolls  int
	UpdatedAt             time.Time
}

// SchedulerState is the scheduler-state half of Store.
type SchedulerState interface {
	GetSchedulerState(ctx context.Context, accountID string) (*SchedulerSessionState, error)
	UpsertSchedulerState(ctx context.Context, s *SchedulerSessionState) error
	ListSchedulerStates(ctx context.Context) ([]*SchedulerSessionState, error)
}

func (d *DB) GetSchedulerState(ctx context.Context, accountID string) (*SchedulerSessionState, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT account_id, state, stop_reason, stop_window_type, stop_eta_minutes,
		       resume_estimate, consecutive_safe_polls, updated_at
		FROM scheduler_state WHERE account_id = ?`, accountID)
	return scanSchedulerState(row)
}

func (d *DB) UpsertSchedulerState(ctx context.Context, s *SchedulerSessionState) error {
	var resumeEstimate interface{}
	if s.ResumeEstimate != nil {
		resumeEstimate = s.ResumeEstimate.Unix()
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO scheduler_state (
			account_id, state, stop_reason, stop_window_type, stop_eta_minutes,
			resume_estimate, consecutive_safe_polls, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			state = excluded.state,
			stop_reason = excluded.stop_reason,
			stop_window_type = excluded.stop_window_type,
			stop_eta_minutes = excluded.stop_eta_minutes,
			resume_estimate = excluded.resume_estimate,
			consecutive_safe_polls = excluded.consecutive_safe_polls,
			updated_at = excluded.updated_at`,
		s.AccountID, s.State, nullableString(s.StopReason), nullableString(s.StopWindowType),
		s.StopETAMinutes, resumeEstimate, s.ConsecutiveSafePolls, now(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert scheduler state: %w", err)
	}
	return nil
}

// ListSchedulerStates returns every persisted account state, used to warm
// the scheduler's in-memory cache at startup (original_source's
// AgentSchedulerService.init reads get_all_agent_sessions for the same
// reason).
func (d *DB) ListSchedulerStates(ctx context.Context) ([]*SchedulerSessionState, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT account_id, state, stop_reason, stop_window_type, stop_eta_minutes,
		       resume_estimate, consecutive_safe_polls, updated_at
		FROM scheduler_state ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list scheduler states: %w", err)
	}
	defer rows.Close()

	var out []*SchedulerSessionState
	for rows.Next() {
		s, err := scanSchedulerState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSchedulerState(row scanner) (*SchedulerSessionState, error) {
	var s SchedulerSessionState
	var stopReason, stopWindowType sql.NullString
	var resumeEstimate sql.NullInt64
	var updatedAt int64

	err := row.Scan(
		&s.AccountID, &s.State, &stopReason, &stopWindowType, &s.StopETAMinutes,
		&resumeEstimate, &s.ConsecutiveSafePolls, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan scheduler state: %w", err)
	}
	s.StopReason, s.StopWindowType = stopReason.String, stopWindowType.String
	s.UpdatedAt = time.Unix(updatedAt, 0)
	if resumeEstimate.Valid {
		t := time.Unix(resumeEstimate.Int64, 0)
		s.ResumeEstimate = &t
	}
	return &s, nil
}
