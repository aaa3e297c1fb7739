// Package exechandler implements the Execution-Type Handlers (spec.md
// §4.10): a small pluggable interface over the Session Manager for
// direct, autonomous-loop, and team-spawn executions. Grounded on the
// teacher's internal/session/agent/harness package (Harness interface,
// Register/Resolve registry, init()-time self-registration via blank
// imports), generalized from agent-CLI-integration concerns (hooks, OTEL,
// launch config) to this spec's execution-type concerns (commit-hash
// circuit breaker, team filesystem watch).
package exechandler

import (
	"context"
	"fmt"

	"agentctl/internal/activitylog"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

// StartConfig is the handler-agnostic input to Start.
type StartConfig struct {
	ExecutionType string // "direct", "autonomous_loop", "team_spawn"
	TriggerID     string
	Command       string
	Args          []string
	Cwd           string
	WorktreePath  string
	Env           map[string]string

	TaskDescription   string
	MaxIterations     int
	CompletionPromise string
	NoProgressLimit   int

	TeamID string
}

// StartResult mirrors spec.md §4.10's `{session_id, pid, status}`.
type StartResult struct {
	SessionID string
	PID       int
	Status    string
}

// MonitorStatus is the handler-specific status snapshot returned by
// Monitor(session_id).
type MonitorStatus struct {
	Status            string
	IterationCount    int
	NoProgressCount   int
	LastCommitHash    string
	CircuitBreakerHit bool
}

// Handler is spec.md §4.10's small interface: start/monitor/stop/get_output.
type Handler interface {
	Start(ctx context.Context, cfg StartConfig) (StartResult, error)
	Monitor(ctx context.Context, sessionID string) (MonitorStatus, error)
	Stop(sessionID string) bool
	GetOutput(sessionID string, lastN int) ([]string, bool)
}

// Constructor builds a Handler given the shared Session Manager and a
// logger, mirroring the teacher's harness.Register constructor-function
// shape (generalized: the teacher's harnesses own their own process, ours
// share one Session Manager across handlers).
type Constructor func(mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) Handler

var registry = map[string]Constructor{}

// Register adds a constructor for executionType. Called from each
// handler's init(), the same self-registration pattern the teacher's
// harness subpackages use.
func Register(executionType string, ctor Constructor) {
	registry[executionType] = ctor
}

// Resolve builds the Handler registered for executionType.
func Resolve(executionType string, mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) (Handler, error) {
	ctor, ok := registry[executionType]
	if !ok {
		return nil, fmt.Errorf("exechandler: unknown execution type %q", executionType)
	}
	return ctor(mgr, channels, log), nil
}
