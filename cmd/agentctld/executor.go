package main

import (
	"context"
	"fmt"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/config"
	"agentctl/internal/exechandler"
	"agentctl/internal/orchestrator"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

// cliExecutor is the concrete orchestrator.Executor: it starts a direct
// execution-type session for the chosen account/backend, drives the CLI's
// prompt over its PTY, and watches output for a rate-limit signal via
// orchestrator.CheckStderrLine (spec.md §4.8 step 3). The CLI's own output
// is never interpreted beyond that one pattern match — everything else
// about what the agent does is out of scope (spec.md §1).
type cliExecutor struct {
	mgr      *session.Manager
	channels *statechannel.Manager
	log      *activitylog.Logger

	pollInterval time.Duration
	drainTimeout time.Duration
}

func newCLIExecutor(mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) *cliExecutor {
	return &cliExecutor{
		mgr:          mgr,
		channels:     channels,
		log:          log,
		pollInterval: 500 * time.Millisecond,
		drainTimeout: 10 * time.Minute,
	}
}

func (e *cliExecutor) Execute(ctx context.Context, req orchestrator.ExecutionRequest) (*orchestrator.ExecutionResult, error) {
	handler, err := exechandler.Resolve("direct", e.mgr, e.channels, e.log)
	if err != nil {
		return nil, fmt.Errorf("agentctld: resolve direct handler: %w", err)
	}

	triggerID, _ := req.Trigger["id"].(string)
	start, err := handler.Start(ctx, exechandler.StartConfig{
		ExecutionType: "direct",
		TriggerID:     triggerID,
		Command:       string(req.Backend),
		Env:           req.EnvOverlay,
	})
	if err != nil {
		return nil, fmt.Errorf("agentctld: start %s: %w", req.Backend, err)
	}

	if req.MessageText != "" {
		e.mgr.SendInput(start.SessionID, req.MessageText+"\n")
	}

	cooldown, err := e.watch(ctx, start.SessionID, req.Backend)
	if err != nil {
		return nil, err
	}
	if cooldown != nil {
		handler.Stop(start.SessionID)
		return &orchestrator.ExecutionResult{ExecutionID: start.SessionID, RateLimitCooldown: cooldown}, nil
	}

	return &orchestrator.ExecutionResult{ExecutionID: start.SessionID}, nil
}

// watch polls the session's live output for a rate-limit signature until
// the session finishes, the drain timeout elapses, or ctx is cancelled.
func (e *cliExecutor) watch(ctx context.Context, sessionID string, backend config.Backend) (*time.Duration, error) {
	deadline := time.Now().Add(e.drainTimeout)
	seen := 0
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		lines, ok := e.mgr.GetOutput(sessionID, -1)
		if ok {
			for _, line := range lines[seen:] {
				if secs, hit := orchestrator.CheckStderrLine(line, backend); hit {
					d := time.Duration(secs) * time.Second
					return &d, nil
				}
			}
			seen = len(lines)
		}

		status, known := e.mgr.Status(sessionID)
		if !known || status == session.StatusCompleted || status == session.StatusFailed {
			return nil, nil
		}
		if time.Now().After(deadline) {
			e.mgr.Stop(ctx, sessionID)
			return nil, nil
		}

		select {
		case <-ctx.Done():
			e.mgr.Stop(ctx, sessionID)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
