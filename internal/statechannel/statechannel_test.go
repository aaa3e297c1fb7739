package statechannel

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

func TestPushDeltaMonotonicSeq(t *testing.T) {
	m := New(10)
	for i := 0; i < 5; i++ {
		ev := m.PushDelta("s1", "output", map[string]any{"line": i})
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", ev.Seq, i+1)
		}
	}
}

func TestEventLogTrimsFromFront(t *testing.T) {
	m := New(5)
	for i := 0; i < 7; i++ {
		m.PushDelta("s1", "output", nil)
	}
	// One over cap trims exactly one from the front (boundary behavior,
	// spec.md §8).
	sub := m.Subscribe("s1", 0, 16)
	defer sub.Close()
	lines := drain(t, sub, 1)
	// First retained event should be seq 3 (7 pushed, cap 5 -> oldest = 3).
	if !strings.Contains(lines[0], `"seq":3`) {
		t.Errorf("expected replay to start at seq 3, got %q", lines[0])
	}
}

func TestReconnectWithStaleCursor(t *testing.T) {
	m := New(1000)
	m.Init("s")
	for i := 0; i < 1500; i++ {
		m.PushDelta("s", "output", map[string]any{"i": i})
	}
	sub := m.Subscribe("s", 100, 2000)
	defer sub.Close()

	lines := drain(t, sub, 1)
	if !strings.Contains(lines[0], "full_sync") {
		t.Fatalf("expected a full_sync event, got %q", lines[0])
	}

	// Extract the data: line and verify it has exactly 1000 entries
	// spanning seq 501..1500.
	dataLine := extractData(lines[0])
	var events []map[string]any
	if err := json.Unmarshal([]byte(dataLine), &events); err != nil {
		t.Fatalf("unmarshal full_sync payload: %v", err)
	}
	if len(events) != 1000 {
		t.Fatalf("full_sync payload has %d events, want 1000", len(events))
	}
	first := int64(events[0]["seq"].(float64))
	last := int64(events[len(events)-1]["seq"].(float64))
	if first != 501 || last != 1500 {
		t.Errorf("full_sync range = [%d..%d], want [501..1500]", first, last)
	}
}

func TestSubscribeWithinLogReplaysNoGaps(t *testing.T) {
	m := New(100)
	m.Init("s")
	sub := m.Subscribe("s", 0, 100)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		m.PushDelta("s", "output", map[string]any{"i": i})
	}

	lines := drain(t, sub, 5)
	for i, l := range lines {
		want := i + 1
		if !strings.Contains(l, "\"seq\":"+strconv.Itoa(want)) {
			t.Errorf("line %d = %q, want seq %d", i, l, want)
		}
	}
}

func TestInitIdempotent(t *testing.T) {
	m := New(10)
	m.Init("s")
	m.PushDelta("s", "output", nil)
	m.Init("s") // should not reset seq or events
	ev := m.PushDelta("s", "output", nil)
	if ev.Seq != 2 {
		t.Errorf("seq after double Init = %d, want 2 (no reset)", ev.Seq)
	}
}

func TestRemoveSessionIdempotent(t *testing.T) {
	m := New(10)
	m.Init("s")
	m.RemoveSession("s")
	m.RemoveSession("s") // no panic, no-op
}

func TestRemoveSessionPoisonsSubscribers(t *testing.T) {
	m := New(10)
	m.Init("s")
	sub := m.Subscribe("s", 0, 10)
	m.RemoveSession("s")
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber to be poisoned after RemoveSession")
	}
}

func drain(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		select {
		case l := <-sub.Lines():
			out = append(out, l)
		case <-sub.Done():
			t.Fatalf("subscription closed early after %d of %d lines", i, n)
		}
	}
	return out
}

func extractData(sse string) string {
	for _, line := range strings.Split(sse, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	return ""
}
