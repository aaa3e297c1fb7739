// Package statechannel implements the versioned SSE delta log described in
// spec.md §4.3: a per-session monotonic sequence of events with cursor-based
// replay so browser clients survive reconnects. The channel-per-subscriber
// delivery shape is grounded on the teacher's bridgeservice.Service, which
// already runs a goroutine-per-connection accept loop plus a background
// ticker loop (runTypingLoop) for out-of-band delivery.
package statechannel

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventLogMax is the default cap on retained events per session (spec.md §3).
const EventLogMax = 1000

// Event is one delta in a session's event log.
type Event struct {
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON flattens Payload alongside seq/type, matching the wire shape
// implied by spec.md §3 ("append {seq, type, …payload} to the event log").
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["seq"] = e.Seq
	m["type"] = e.Type
	return json.Marshal(m)
}

// SSE formats the event as a full SSE block: "id: <seq>\nevent: <name>\ndata: <json>\n\n".
func (e Event) SSE(eventName string) string {
	data, _ := json.Marshal(e)
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, eventName, data)
}

// Heartbeat is the SSE comment line emitted when a subscriber's poll times
// out with nothing new to deliver (spec.md §6).
const Heartbeat = ": heartbeat\n\n"

// channel holds one session's event log, status, and subscriber queues.
type channel struct {
	seq       int64
	events    []Event
	status    string
	createdAt time.Time
	subs      []*subscriber
}

type subscriber struct {
	ch     chan string
	poison chan struct{}
}

// Manager owns all live session channels. One Manager instance is shared by
// the Session Manager (raw PTY output) and the Streaming Gateway (chat
// deltas) — each session id is a distinct logical channel, consistent with
// spec.md §3 "SSE Session Channel: one per chat/conversation id".
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channel
	cap      int
}

// New creates a Manager. cap <= 0 uses EventLogMax.
func New(cap int) *Manager {
	if cap <= 0 {
		cap = EventLogMax
	}
	return &Manager{channels: make(map[string]*channel), cap: cap}
}

// Init idempotently creates a session's channel.
func (m *Manager) Init(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked(sessionID)
}

func (m *Manager) initLocked(sessionID string) *channel {
	if c, ok := m.channels[sessionID]; ok {
		return c
	}
	c := &channel{createdAt: time.Now(), status: "active"}
	m.channels[sessionID] = c
	return c
}

// PushDelta increments seq, appends the event (trimming the log front if
// over capacity), and enqueues the SSE-formatted event on every subscriber.
func (m *Manager) PushDelta(sessionID, eventType string, payload map[string]any) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.initLocked(sessionID)

	c.seq++
	ev := Event{Seq: c.seq, Type: eventType, Payload: payload}
	c.events = append(c.events, ev)
	if over := len(c.events) - m.cap; over > 0 {
		c.events = c.events[over:]
	}

	line := ev.SSE("state_delta")
	m.broadcastLocked(c, line)
	return ev
}

// PushStatus updates the channel's status and pushes a status_change delta.
func (m *Manager) PushStatus(sessionID, status string) Event {
	m.mu.Lock()
	c := m.initLocked(sessionID)
	c.status = status
	m.mu.Unlock()
	return m.PushDelta(sessionID, "status_change", map[string]any{"status": status})
}

func (m *Manager) broadcastLocked(c *channel, line string) {
	for _, s := range c.subs {
		select {
		case s.ch <- line:
		default:
			// Subscriber queue is full; drop rather than block the pusher
			// (spec.md §5: producers must never block under the lock).
		}
	}
}

// Subscription is returned by Subscribe. Lines() yields SSE-formatted
// strings; Done() closes when the session is removed or Close() is called
// (the poison-pill signal from spec.md §4.3's remove_session).
type Subscription struct {
	lines <-chan string
	done  <-chan struct{}
	close func()
}

// Lines returns the channel of SSE-formatted strings to forward to the
// client verbatim.
func (s *Subscription) Lines() <-chan string { return s.lines }

// Done closes when this subscription should stop being read from.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches this subscriber.
func (s *Subscription) Close() { s.close() }

// Subscribe registers a new subscriber for sessionID and returns a
// Subscription whose Lines() channel receives replay-then-live SSE text.
//
// Per spec.md §4.3/§5: the replay set must be computed and the subscriber
// registered under the same lock, but the replay events are fed into the
// subscriber's queue (and the queue returned to the caller) only after the
// lock is released — yielding under the lock would suspend this call while
// holding the session mutex.
func (m *Manager) Subscribe(sessionID string, lastSeq int64, queueDepth int) *Subscription {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	sub := &subscriber{ch: make(chan string, queueDepth), poison: make(chan struct{})}

	m.mu.Lock()
	c := m.initLocked(sessionID)
	replay, fullSync := computeReplayLocked(c, lastSeq)
	c.subs = append(c.subs, sub)
	m.mu.Unlock()

	// Feed the replay set before any live events can race in — since the
	// subscriber was registered under the lock above, live pushes that
	// happen concurrently are already queued behind this goroutine's sends
	// (same channel, FIFO).
	go func() {
		if fullSync != nil {
			select {
			case sub.ch <- fullSync.SSE("full_sync"):
			case <-sub.poison:
				return
			}
		}
		for _, ev := range replay {
			select {
			case sub.ch <- ev.SSE("state_delta"):
			case <-sub.poison:
				return
			}
		}
	}()

	return &Subscription{
		lines: sub.ch,
		done:  sub.poison,
		close: func() { m.detach(sessionID, sub) },
	}
}

// fullSyncEvent wraps the entire retained log as a single payload event.
type fullSyncEvent struct {
	seq  int64
	log  []Event
}

func (f fullSyncEvent) SSE(name string) string {
	data, _ := json.Marshal(f.log)
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.seq, name, data)
}

// computeReplayLocked decides, under the session lock, whether the
// subscriber's cursor can be satisfied with a normal replay (events with
// seq > lastSeq) or requires a full_sync (cursor predates the oldest
// retained event).
func computeReplayLocked(c *channel, lastSeq int64) ([]Event, interface{ SSE(string) string }) {
	if len(c.events) == 0 {
		return nil, nil
	}
	oldest := c.events[0].Seq
	if lastSeq < oldest-1 {
		full := make([]Event, len(c.events))
		copy(full, c.events)
		return nil, fullSyncEvent{seq: c.seq, log: full}
	}
	var replay []Event
	for _, ev := range c.events {
		if ev.Seq > lastSeq {
			replay = append(replay, ev)
		}
	}
	return replay, nil
}

// detach removes sub from sessionID's subscriber list and poisons it so any
// in-flight replay goroutine exits promptly.
func (m *Manager) detach(sessionID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[sessionID]
	if !ok {
		return
	}
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	closePoison(sub)
}

func closePoison(sub *subscriber) {
	select {
	case <-sub.poison:
	default:
		close(sub.poison)
	}
}

// RemoveSession poisons every subscriber and drops the channel entry.
// Idempotent: calling it twice is a no-op the second time.
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[sessionID]
	if !ok {
		return
	}
	for _, s := range c.subs {
		closePoison(s)
	}
	delete(m.channels, sessionID)
}

// Status returns the session's current status, or "" if unknown.
func (m *Manager) Status(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[sessionID]; ok {
		return c.status
	}
	return ""
}

// knownEventNames documents the event names used by the core (spec.md §6);
// kept here so callers can reference them by symbol instead of string
// literals scattered across packages.
var knownEventNames = strings.Join([]string{
	"state_delta", "full_sync", "output", "complete", "error", "question",
	"oauth_url", "log", "user_message", "message", "response_start",
	"response_chunk", "response_complete", "backend_timeout", "backend_error",
	"backend_complete", "synthesis_start", "synthesis_delta", "synthesis_error",
	"synthesis_complete", "plan_changed", "ralph_iteration", "circuit_breaker",
	"team_update",
}, ",")

// EventNames returns the comma-joined list of known core event names.
func EventNames() string { return knownEventNames }
