// Package activitylog is a hand-rolled JSON-lines structured logger. No
// example repo in the retrieval pack imports a logging framework (no
// zerolog/zap/logrus anywhere in the corpus), so this stays on the standard
// library by necessity rather than preference — grounded on the teacher's
// internal/activitylog test file (logger_test.go), which pins the exact
// field names and one-event-per-call API even though the teacher's own
// logger.go was not retrieved.
package activitylog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Logger appends one JSON object per line to a file, tagged with the
// actor/session that owns it. A disabled or Nop logger is a silent no-op,
// so callers never branch on whether logging is turned on.
type Logger struct {
	mu        sync.Mutex
	enabled   bool
	file      *os.File
	actor     string
	sessionID string
}

// New opens (creating if needed) the log file at path and returns a Logger
// bound to actor/sessionID. When enabled is false, no file is opened and
// every method is a no-op.
func New(enabled bool, path, actor, sessionID string) *Logger {
	l := &Logger{enabled: enabled, actor: actor, sessionID: sessionID}
	if !enabled {
		return l
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.enabled = false
		return l
	}
	l.file = f
	return l
}

// Nop returns a Logger that discards everything and never touches disk.
func Nop() *Logger {
	return &Logger{enabled: false}
}

// Close releases the underlying file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) write(fields map[string]any) {
	if !l.enabled {
		return
	}
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["actor"] = l.actor
	fields["session_id"] = l.sessionID

	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.Write(data)
}

// HookEvent records a lifecycle hook firing (spec.md §4.10's execution-type
// handlers fire these around tool calls and session boundaries). toolName
// is omitted from the record when empty.
func (l *Logger) HookEvent(hookEvent, toolName string) {
	fields := map[string]any{
		"event":      "hook",
		"hook_event": hookEvent,
	}
	if toolName != "" {
		fields["tool_name"] = toolName
	}
	l.write(fields)
}

// PermissionDecision records a tool-permission gate outcome.
func (l *Logger) PermissionDecision(toolName, decision, reason string) {
	l.write(map[string]any{
		"event":     "permission_decision",
		"tool_name": toolName,
		"decision":  decision,
		"reason":    reason,
	})
}

// OtelMetrics records token/cost accounting pulled from backend telemetry
// (spec.md §4.9 streaming gateway usage accounting).
func (l *Logger) OtelMetrics(inputTokens, outputTokens int64, costUSD float64) {
	l.write(map[string]any{
		"event":         "otel_metrics",
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      costUSD,
	})
}

// OtelConnected records that an OTEL/telemetry sink connected.
func (l *Logger) OtelConnected(endpoint string) {
	l.write(map[string]any{
		"event":    "otel_connected",
		"endpoint": endpoint,
	})
}

// StateChange records a session lifecycle transition (spec.md §3 Session
// Status).
func (l *Logger) StateChange(from, to string) {
	l.write(map[string]any{
		"event": "state_change",
		"from":  from,
		"to":    to,
	})
}

// RateLimitEvent records a rate-limit threshold crossing (spec.md §4.6).
func (l *Logger) RateLimitEvent(accountID, window, level string, percent float64) {
	l.write(map[string]any{
		"event":      "rate_limit_threshold",
		"account_id": accountID,
		"window":     window,
		"level":      level,
		"percent":    percent,
	})
}

// SchedulerEvent records an admission-control state transition (spec.md
// §4.7).
func (l *Logger) SchedulerEvent(accountID, from, to, reason string) {
	l.write(map[string]any{
		"event":      "scheduler_transition",
		"account_id": accountID,
		"from":       from,
		"to":         to,
		"reason":     reason,
	})
}

// FallbackEvent records an orchestrator chain rotation (spec.md §4.8).
func (l *Logger) FallbackEvent(sessionID, fromBackend, toBackend, reason string) {
	l.write(map[string]any{
		"event":        "fallback_rotation",
		"from_backend": fromBackend,
		"to_backend":   toBackend,
		"reason":       reason,
	})
}
