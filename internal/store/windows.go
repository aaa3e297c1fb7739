package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitSnapshot mirrors spec.md §3's "Rate-Limit Window" entity. Rows
// are append-only; retention is handled by CleanupOldSnapshots.
type RateLimitSnapshot struct {
	AccountID      string
	WindowType     string
	TokensUsed     int64
	TokensLimit    int64
	Percentage     float64
	ThresholdLevel string
	ResetsAt       *time.Time
	RecordedAt     time.Time
}

// Windows is the rate-limit-window half of Store.
type Windows interface {
	AppendSnapshot(ctx context.Context, s *RateLimitSnapshot) error
	LatestSnapshot(ctx context.Context, accountID, windowType string) (*RateLimitSnapshot, error)
	LatestSnapshots(ctx context.Context, since time.Time) ([]*RateLimitSnapshot, error)
	SnapshotsSince(ctx context.Context, accountID, windowType string, since time.Time) ([]*RateLimitSnapshot, error)
	CleanupOldSnapshots(ctx context.Context, retention time.Duration) (int64, error)
}

func (d *DB) AppendSnapshot(ctx context.Context, s *RateLimitSnapshot) error {
	var resetsAt interface{}
	if s.ResetsAt != nil {
		resetsAt = s.ResetsAt.Unix()
	}
	recordedAt := s.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO rate_limit_windows (
			account_id, window_type, tokens_used, tokens_limit, percentage,
			threshold_level, resets_at, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AccountID, s.WindowType, s.TokensUsed, s.TokensLimit, s.Percentage,
		s.ThresholdLevel, resetsAt, recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: append snapshot: %w", err)
	}
	return nil
}

func (d *DB) LatestSnapshot(ctx context.Context, accountID, windowType string) (*RateLimitSnapshot, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT account_id, window_type, tokens_used, tokens_limit, percentage,
		       threshold_level, resets_at, recorded_at
		FROM rate_limit_windows
		WHERE account_id = ? AND window_type = ?
		ORDER BY recorded_at DESC LIMIT 1`, accountID, windowType)
	return scanSnapshot(row)
}

func (d *DB) SnapshotsSince(ctx context.Context, accountID, windowType string, since time.Time) ([]*RateLimitSnapshot, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT account_id, window_type, tokens_used, tokens_limit, percentage,
		       threshold_level, resets_at, recorded_at
		FROM rate_limit_windows
		WHERE account_id = ? AND window_type = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`, accountID, windowType, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: snapshots since: %w", err)
	}
	defer rows.Close()

	var out []*RateLimitSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSnapshots returns the newest snapshot per (account_id, window_type)
// recorded at or after since, matching original_source's
// get_latest_snapshots(max_age_minutes) used to build the monitoring
// status report.
func (d *DB) LatestSnapshots(ctx context.Context, since time.Time) ([]*RateLimitSnapshot, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT account_id, window_type, tokens_used, tokens_limit, percentage,
		       threshold_level, resets_at, recorded_at
		FROM rate_limit_windows w
		WHERE recorded_at >= ?
		  AND recorded_at = (
		      SELECT MAX(w2.recorded_at) FROM rate_limit_windows w2
		      WHERE w2.account_id = w.account_id AND w2.window_type = w.window_type
		  )
		ORDER BY account_id, window_type`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshots: %w", err)
	}
	defer rows.Close()

	var out []*RateLimitSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupOldSnapshots deletes rows older than retention (default ~31 days
// per spec.md §3). Intended to run daily from a background ticker.
func (d *DB) CleanupOldSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	res, err := d.conn.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE recorded_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup snapshots: %w", err)
	}
	return res.RowsAffected()
}

func scanSnapshot(row scanner) (*RateLimitSnapshot, error) {
	var s RateLimitSnapshot
	var resetsAt sql.NullInt64
	var recordedAt int64
	err := row.Scan(
		&s.AccountID, &s.WindowType, &s.TokensUsed, &s.TokensLimit, &s.Percentage,
		&s.ThresholdLevel, &resetsAt, &recordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}
	s.RecordedAt = time.Unix(recordedAt, 0)
	if resetsAt.Valid {
		t := time.Unix(resetsAt.Int64, 0)
		s.ResetsAt = &t
	}
	return &s, nil
}
