package exechandler

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/gitutil"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

func init() {
	Register("autonomous_loop", func(mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) Handler {
		if log == nil {
			log = activitylog.Nop()
		}
		return &AutonomousHandler{mgr: mgr, channels: channels, log: log, monitors: map[string]*autonomousMonitor{}}
	})
}

// autonomousPollInterval is a var rather than a const so tests can shrink
// the poll cadence instead of sleeping 30s per iteration.
var autonomousPollInterval = 30 * time.Second

const defaultNoProgressLimit = 10

// autonomousMonitor is the in-memory-only circuit-breaker state for one
// running autonomous-loop session (spec.md §4.10: "all monitor state is
// in-memory only; a restart loses it").
type autonomousMonitor struct {
	mu                sync.Mutex
	workDir           string
	noProgressLimit   int
	iterationCount    int
	noProgressCount   int
	lastCommitHash    string
	circuitBreakerHit bool
	cancel            context.CancelFunc
}

// AutonomousHandler runs a loop prompt session and polls commit-hash
// progress to enforce a no-progress circuit breaker (spec.md §4.10
// "Autonomous loop").
type AutonomousHandler struct {
	mgr      *session.Manager
	channels *statechannel.Manager
	log      *activitylog.Logger

	mu       sync.Mutex
	monitors map[string]*autonomousMonitor
}

func buildLoopPrompt(cfg StartConfig) string {
	return fmt.Sprintf(
		"task: %s\nmax_iterations: %d\ncompletion_promise: %s",
		cfg.TaskDescription, cfg.MaxIterations, cfg.CompletionPromise,
	)
}

func (h *AutonomousHandler) Start(ctx context.Context, cfg StartConfig) (StartResult, error) {
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return StartResult{}, fmt.Errorf("exechandler: autonomous loop prerequisite %q not installed: %w", cfg.Command, err)
	}

	args := append(append([]string{}, cfg.Args...), buildLoopPrompt(cfg))
	id, err := h.mgr.Create(ctx, session.CreateOptions{
		TriggerID:     cfg.TriggerID,
		Command:       cfg.Command,
		Args:          args,
		Cwd:           cfg.Cwd,
		WorktreePath:  cfg.WorktreePath,
		ExecutionType: "autonomous_loop",
		ExecutionMode: "autonomous",
		Env:           cfg.Env,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("exechandler: autonomous loop start: %w", err)
	}

	workDir := cfg.WorktreePath
	if workDir == "" {
		workDir = cfg.Cwd
	}
	limit := cfg.NoProgressLimit
	if limit <= 0 {
		limit = defaultNoProgressLimit
	}
	hash, _ := gitutil.HeadCommitHash(workDir)

	monCtx, cancel := context.WithCancel(context.Background())
	mon := &autonomousMonitor{workDir: workDir, noProgressLimit: limit, lastCommitHash: hash, cancel: cancel}
	h.mu.Lock()
	h.monitors[id] = mon
	h.mu.Unlock()

	go h.pollLoop(monCtx, id, mon)

	pid, _ := h.mgr.PID(id)
	status, _ := h.mgr.Status(id)
	return StartResult{SessionID: id, PID: pid, Status: string(status)}, nil
}

// pollLoop implements the commit-hash circuit breaker: every tick, a new
// commit advances the iteration counter and resets no-progress; otherwise,
// if the session is still producing output it stays neutral, else it
// increments no-progress until the threshold trips the breaker.
func (h *AutonomousHandler) pollLoop(ctx context.Context, sessionID string, mon *autonomousMonitor) {
	ticker := time.NewTicker(autonomousPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, ok := h.mgr.Status(sessionID)
		if !ok || status == session.StatusCompleted || status == session.StatusFailed {
			return
		}

		hash, err := gitutil.HeadCommitHash(mon.workDir)
		mon.mu.Lock()
		switch {
		case err == nil && hash != mon.lastCommitHash:
			mon.lastCommitHash = hash
			mon.iterationCount++
			mon.noProgressCount = 0
		default:
			lastActivity, _ := h.mgr.LastActivityAt(sessionID)
			producingOutput := time.Since(lastActivity) < autonomousPollInterval
			if !producingOutput {
				mon.noProgressCount++
			}
		}
		tripped := mon.noProgressCount >= mon.noProgressLimit && !mon.circuitBreakerHit
		noProgressCount := mon.noProgressCount
		if tripped {
			mon.circuitBreakerHit = true
		}
		mon.mu.Unlock()

		if tripped {
			if h.channels != nil {
				h.channels.PushDelta(sessionID, "circuit_breaker", map[string]any{
					"reason":                      "no_progress",
					"iterations_without_progress": noProgressCount,
				})
			}
			h.mgr.Stop(context.Background(), sessionID)
			return
		}
	}
}

func (h *AutonomousHandler) Monitor(ctx context.Context, sessionID string) (MonitorStatus, error) {
	status, ok := h.mgr.Status(sessionID)
	if !ok {
		return MonitorStatus{}, fmt.Errorf("exechandler: unknown session %q", sessionID)
	}
	h.mu.Lock()
	mon := h.monitors[sessionID]
	h.mu.Unlock()
	if mon == nil {
		return MonitorStatus{Status: string(status)}, nil
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return MonitorStatus{
		Status:            string(status),
		IterationCount:    mon.iterationCount,
		NoProgressCount:   mon.noProgressCount,
		LastCommitHash:    mon.lastCommitHash,
		CircuitBreakerHit: mon.circuitBreakerHit,
	}, nil
}

func (h *AutonomousHandler) Stop(sessionID string) bool {
	h.mu.Lock()
	mon := h.monitors[sessionID]
	delete(h.monitors, sessionID)
	h.mu.Unlock()
	if mon != nil {
		mon.cancel()
	}
	return h.mgr.Stop(context.Background(), sessionID)
}

func (h *AutonomousHandler) GetOutput(sessionID string, lastN int) ([]string, bool) {
	return h.mgr.GetOutput(sessionID, lastN)
}
