package store

import (
	"context"
	"fmt"
)

// MonitoringConfig persists small scalar overrides for the Rate-Limit
// Monitor (spec.md §3's monitoring_config table) that operators can flip
// without editing the YAML config file, e.g. a runtime pause switch.
type MonitoringConfig interface {
	GetMonitoringConfigValue(ctx context.Context, key string) (string, bool, error)
	SetMonitoringConfigValue(ctx context.Context, key, value string) error
}

func (d *DB) GetMonitoringConfigValue(ctx context.Context, key string) (string, bool, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT value FROM monitoring_config WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get monitoring config: %w", err)
	}
	return value, true, nil
}

func (d *DB) SetMonitoringConfigValue(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO monitoring_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set monitoring config: %w", err)
	}
	return nil
}
