package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Account mirrors spec.md §3's Account entity.
type Account struct {
	ID               string
	Backend          string
	DisplayName      string
	Email            string
	ConfigPath       string
	APIKeyEnvVar     string
	Default          bool
	Plan             string
	RateLimitedUntil *time.Time
	LastUsedAt       *time.Time
	TotalExecutions  int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Accounts is the account half of Store.
type Accounts interface {
	UpsertAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	MarkAccountUsed(ctx context.Context, id string, at time.Time) error
	SetRateLimitedUntil(ctx context.Context, id string, until *time.Time) error
}

func (d *DB) UpsertAccount(ctx context.Context, a *Account) error {
	var rateLimitedUntil, lastUsedAt interface{}
	if a.RateLimitedUntil != nil {
		rateLimitedUntil = a.RateLimitedUntil.Unix()
	}
	if a.LastUsedAt != nil {
		lastUsedAt = a.LastUsedAt.Unix()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO accounts (
			account_id, backend, display_name, email, config_path, api_key_env_var,
			is_default, plan, rate_limited_until, last_used_at, total_executions,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			backend = excluded.backend,
			display_name = excluded.display_name,
			email = excluded.email,
			config_path = excluded.config_path,
			api_key_env_var = excluded.api_key_env_var,
			is_default = excluded.is_default,
			plan = excluded.plan,
			updated_at = excluded.updated_at`,
		a.ID, a.Backend, a.DisplayName, nullableString(a.Email), nullableString(a.ConfigPath),
		nullableString(a.APIKeyEnvVar), boolToInt(a.Default), nullableString(a.Plan),
		rateLimitedUntil, lastUsedAt, a.TotalExecutions, createdAt.Unix(), now(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert account: %w", err)
	}
	return nil
}

func (d *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT account_id, backend, display_name, email, config_path, api_key_env_var,
		       is_default, plan, rate_limited_until, last_used_at, total_executions,
		       created_at, updated_at
		FROM accounts WHERE account_id = ?`, id)
	return scanAccount(row)
}

func (d *DB) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT account_id, backend, display_name, email, config_path, api_key_env_var,
		       is_default, plan, rate_limited_until, last_used_at, total_executions,
		       created_at, updated_at
		FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *DB) MarkAccountUsed(ctx context.Context, id string, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE accounts SET last_used_at = ?, total_executions = total_executions + 1, updated_at = ?
		WHERE account_id = ?`, at.Unix(), now(), id)
	if err != nil {
		return fmt.Errorf("store: mark account used: %w", err)
	}
	return nil
}

func (d *DB) SetRateLimitedUntil(ctx context.Context, id string, until *time.Time) error {
	var v interface{}
	if until != nil {
		v = until.Unix()
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE accounts SET rate_limited_until = ?, updated_at = ? WHERE account_id = ?`,
		v, now(), id)
	if err != nil {
		return fmt.Errorf("store: set rate limited until: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row vs *sql.Rows, matching the pattern the teacher
// uses nowhere explicitly but which collapses GetAccount/ListAccounts'
// duplicated Scan calls into one helper.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var email, configPath, apiKeyEnvVar, plan sql.NullString
	var rateLimitedUntil, lastUsedAt sql.NullInt64
	var isDefault int
	var createdAt, updatedAt int64

	err := row.Scan(
		&a.ID, &a.Backend, &a.DisplayName, &email, &configPath, &apiKeyEnvVar,
		&isDefault, &plan, &rateLimitedUntil, &lastUsedAt, &a.TotalExecutions,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan account: %w", err)
	}

	a.Email, a.ConfigPath, a.APIKeyEnvVar, a.Plan = email.String, configPath.String, apiKeyEnvVar.String, plan.String
	a.Default = isDefault != 0
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	if rateLimitedUntil.Valid {
		t := time.Unix(rateLimitedUntil.Int64, 0)
		a.RateLimitedUntil = &t
	}
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0)
		a.LastUsedAt = &t
	}
	return &a, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
