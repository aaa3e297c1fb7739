package exechandler

import (
	"context"
	"fmt"

	"agentctl/internal/activitylog"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

func init() {
	Register("direct", func(mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) Handler {
		return &DirectHandler{mgr: mgr}
	})
}

// DirectHandler is a thin pass-through to the Session Manager (spec.md
// §4.10 "Direct").
type DirectHandler struct {
	mgr *session.Manager
}

func (h *DirectHandler) Start(ctx context.Context, cfg StartConfig) (StartResult, error) {
	id, err := h.mgr.Create(ctx, session.CreateOptions{
		TriggerID:     cfg.TriggerID,
		Command:       cfg.Command,
		Args:          cfg.Args,
		Cwd:           cfg.Cwd,
		WorktreePath:  cfg.WorktreePath,
		ExecutionType: "direct",
		ExecutionMode: "interactive",
		Env:           cfg.Env,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("exechandler: direct start: %w", err)
	}
	pid, _ := h.mgr.PID(id)
	status, _ := h.mgr.Status(id)
	return StartResult{SessionID: id, PID: pid, Status: string(status)}, nil
}

func (h *DirectHandler) Monitor(ctx context.Context, sessionID string) (MonitorStatus, error) {
	status, ok := h.mgr.Status(sessionID)
	if !ok {
		return MonitorStatus{}, fmt.Errorf("exechandler: unknown session %q", sessionID)
	}
	return MonitorStatus{Status: string(status)}, nil
}

func (h *DirectHandler) Stop(sessionID string) bool {
	return h.mgr.Stop(context.Background(), sessionID)
}

func (h *DirectHandler) GetOutput(sessionID string, lastN int) ([]string, bool) {
	return h.mgr.GetOutput(sessionID, lastN)
}
