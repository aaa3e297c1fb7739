package session

import (
	"context"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, sub *RawSubscription, contains string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line := <-sub.Lines():
			if strings.Contains(line, contains) {
				return line
			}
		case <-sub.Done():
			t.Fatalf("subscription closed before seeing %q", contains)
		case <-deadline:
			t.Fatalf("timed out waiting for %q", contains)
		}
	}
}

func TestCreateAndSendInputEcho(t *testing.T) {
	m := New(nil, "", false)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateOptions{
		Command: "cat", ExecutionType: "direct", ExecutionMode: "interactive",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, ok := m.Subscribe(id, 16)
	if !ok {
		t.Fatal("Subscribe: session not found")
	}
	defer sub.Close()

	if !m.SendInput(id, "hello\n") {
		t.Fatal("SendInput failed")
	}

	waitFor(t, sub, "hello", 2*time.Second)

	m.Stop(ctx, id)
}

func TestCheckResourceLimitsStopsIdleSession(t *testing.T) {
	m := New(nil, "", false)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateOptions{
		Command: "cat", ExecutionType: "direct", ExecutionMode: "interactive",
		IdleTimeout: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := m.get(id)
	s.mu.Lock()
	s.lastActivityAt = time.Now().Add(-61 * time.Second)
	s.mu.Unlock()

	sub, ok := m.Subscribe(id, 16)
	if !ok {
		t.Fatal("Subscribe: session not found")
	}
	defer sub.Close()

	m.CheckResourceLimits(ctx)

	waitFor(t, sub, `"type":"complete"`, 2*time.Second)

	status, ok := m.Status(id)
	if !ok {
		t.Fatal("Status: session not found")
	}
	if status != StatusCompleted && status != StatusFailed {
		t.Errorf("status after idle-timeout stop = %q, want completed or failed", status)
	}
}

func TestPauseStopsNotDeliveringOutput(t *testing.T) {
	m := New(nil, "", false)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateOptions{Command: "cat", ExecutionType: "direct", ExecutionMode: "interactive"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !m.Pause(id) {
		t.Fatal("Pause: session not found")
	}
	status, _ := m.Status(id)
	if status != StatusPaused {
		t.Errorf("status = %q, want paused", status)
	}

	if !m.Resume(id) {
		t.Fatal("Resume: session not found")
	}
	status, _ = m.Status(id)
	if status != StatusActive {
		t.Errorf("status after resume = %q, want active", status)
	}

	m.Stop(ctx, id)
}

func TestStopUnknownSessionReturnsFalse(t *testing.T) {
	m := New(nil, "", false)
	if m.Stop(context.Background(), "nope") {
		t.Error("expected Stop on unknown session to return false")
	}
}

func TestGetOutputUnknownSessionReturnsFalse(t *testing.T) {
	m := New(nil, "", false)
	if _, ok := m.GetOutput("nope", 10); ok {
		t.Error("expected GetOutput on unknown session to return false")
	}
}

func TestSessionExitBroadcastsComplete(t *testing.T) {
	m := New(nil, "", false)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateOptions{Command: "true", ExecutionType: "direct", ExecutionMode: "interactive"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, ok := m.Subscribe(id, 16)
	if !ok {
		t.Fatal("Subscribe: session not found")
	}
	defer sub.Close()

	waitFor(t, sub, `"type":"complete"`, 2*time.Second)

	status, _ := m.Status(id)
	if status != StatusCompleted {
		t.Errorf("status = %q, want completed", status)
	}
}
