package exechandler

import (
	"context"
	"testing"
	"time"

	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

func TestDirectHandlerStartMonitorStopGetOutput(t *testing.T) {
	mgr := session.New(nil, "", false)
	channels := statechannel.New(16)
	h, err := Resolve("direct", mgr, channels, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	res, err := h.Start(context.Background(), StartConfig{
		Command: "cat",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if res.PID == 0 {
		t.Error("expected non-zero pid")
	}

	status, err := h.Monitor(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if status.Status == "" {
		t.Error("expected non-empty status")
	}

	mgr.SendInput(res.SessionID, "hello\n")
	time.Sleep(200 * time.Millisecond)

	if lines, ok := h.GetOutput(res.SessionID, 10); !ok || len(lines) == 0 {
		t.Error("expected some output from echoed input")
	}

	if !h.Stop(res.SessionID) {
		t.Error("expected Stop to succeed")
	}
}

func TestDirectHandlerMonitorUnknownSession(t *testing.T) {
	mgr := session.New(nil, "", false)
	channels := statechannel.New(16)
	h, _ := Resolve("direct", mgr, channels, nil)

	if _, err := h.Monitor(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
