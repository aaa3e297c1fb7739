// Package session implements the Session Manager (spec.md §4.4): PTY
// sessions as persistent, observable, mutable resources addressable by
// session_id. Grounded on the teacher's internal/session/session.go
// (lifecycleLoop/StartServices/Stop shape, one reader goroutine per PTY,
// stopCh-closed-once shutdown) generalized from one interactive agent
// session to N headless sessions keyed by id, and on virtualterminal/vt.go's
// PipeOutput reader loop (line accumulation on LF) for the reader thread.
package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentctl/internal/activitylog"
	"agentctl/internal/ansi"
	"agentctl/internal/ptyrunner"
	"agentctl/internal/ringbuffer"
	"agentctl/internal/store"
)

// Status is the closed set of session lifecycle states (spec.md §3).
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultIdleTimeout and DefaultMaxLifetime match spec.md §3.
	DefaultIdleTimeout = 3600 * time.Second
	DefaultMaxLifetime = 14400 * time.Second
)

// CreateOptions configures a new session (spec.md §4.4 create()).
type CreateOptions struct {
	TriggerID     string
	Command       string
	Args          []string
	Cwd           string
	WorktreePath  string
	ExecutionType string
	ExecutionMode string // autonomous|interactive
	Env           map[string]string
	Cols, Rows    int
	IdleTimeout   time.Duration
	MaxLifetime   time.Duration
}

// rawSubscriber mirrors statechannel's subscriber shape but carries plain
// strings rather than SSE-formatted deltas — the Session Manager's raw
// output channel is consumed by the HTTP layer, which formats it as SSE
// itself (spec.md §4.4 "subscribe(id) → SSE lines: analogous to 4.3").
type rawSubscriber struct {
	ch     chan string
	poison chan struct{}
}

// Session is one live, in-memory PTY-backed session.
type Session struct {
	ID            string
	TriggerID     string
	Command       []string
	Cwd           string
	WorktreePath  string
	ExecutionType string
	ExecutionMode string
	CreatedAt     time.Time
	IdleTimeout   time.Duration
	MaxLifetime   time.Duration

	mu             sync.Mutex
	proc           *ptyrunner.Process
	ring           *ringbuffer.Buffer
	status         Status
	paused         bool
	lastActivityAt time.Time
	subs           []*rawSubscriber
	exitCode       int

	log *activitylog.Logger
}

// RawSubscription is returned by Manager.Subscribe.
type RawSubscription struct {
	lines <-chan string
	done  <-chan struct{}
	close func()
}

func (r *RawSubscription) Lines() <-chan string  { return r.lines }
func (r *RawSubscription) Done() <-chan struct{} { return r.done }
func (r *RawSubscription) Close()                { r.close() }

// Manager owns every live Session for the process's lifetime (spec.md §3
// "Ownership"). Accounts/Windows live in the store; Sessions are cached
// there only for crash recovery — the live state here is authoritative.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    store.SessionRecords
	logDir   string
	logEnabled bool
}

// New creates a Manager backed by st for crash-recovery persistence.
// logDir/logEnabled configure the per-session activitylog.Logger.
func New(st store.SessionRecords, logDir string, logEnabled bool) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		store:      st,
		logDir:     logDir,
		logEnabled: logEnabled,
	}
}

// Create opens a PTY, starts the reader loop, and persists the session row.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	id := uuid.New().String()
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	maxLifetime := opts.MaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}

	proc, err := ptyrunner.Open(opts.Command, opts.Args, opts.Cwd, opts.Env, cols, rows)
	if err != nil {
		return "", fmt.Errorf("session: open pty: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		TriggerID:      opts.TriggerID,
		Command:        append([]string{opts.Command}, opts.Args...),
		Cwd:            opts.Cwd,
		WorktreePath:   opts.WorktreePath,
		ExecutionType:  opts.ExecutionType,
		ExecutionMode:  opts.ExecutionMode,
		CreatedAt:      now,
		IdleTimeout:    idleTimeout,
		MaxLifetime:    maxLifetime,
		proc:           proc,
		ring:           ringbuffer.New(ringbuffer.DefaultCapacity),
		status:         StatusActive,
		lastActivityAt: now,
		log:            activitylog.New(m.logEnabled, sessionLogPath(m.logDir, id), opts.ExecutionType, id),
	}

	if m.store != nil {
		rec := &store.SessionRecord{
			SessionID: id, TriggerID: opts.TriggerID, Command: s.Command,
			WorkingDir: opts.Cwd, WorktreePath: opts.WorktreePath,
			ExecutionType: opts.ExecutionType, ExecutionMode: opts.ExecutionMode,
			Status: string(StatusActive), CreatedAt: now, LastActivityAt: now,
		}
		if err := m.store.CreateSession(ctx, rec); err != nil {
			proc.Close()
			return "", fmt.Errorf("session: persist: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.readerLoop(ctx, s)

	return id, nil
}

func sessionLogPath(dir, id string) string {
	if dir == "" {
		return ""
	}
	return dir + "/" + id + ".jsonl"
}

// readerLoop owns all reads on the PTY master descriptor and all
// line-level processing (spec.md §5: "one dedicated reader thread ...
// may suspend only on the descriptor").
func (m *Manager) readerLoop(ctx context.Context, s *Session) {
	buf := make([]byte, 4096)
	var partial []byte

	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := partial[:i]
				partial = partial[i+1:]
				s.consumeLine(line)
			}
		}
		if err != nil {
			if len(partial) > 0 {
				s.consumeLine(partial)
			}
			m.handleExit(ctx, s)
			return
		}
	}
}

// consumeLine strips ANSI, appends to the ring buffer, updates
// last-activity-at, and — unless paused — broadcasts an output delta.
func (s *Session) consumeLine(raw []byte) {
	line := ansi.Strip(string(raw))

	s.mu.Lock()
	s.ring.Append(line)
	s.lastActivityAt = time.Now()
	paused := s.paused
	var subsCopy []*rawSubscriber
	if !paused {
		subsCopy = append(subsCopy, s.subs...)
	}
	s.mu.Unlock()

	for _, sub := range subsCopy {
		select {
		case sub.ch <- line:
		default:
		}
	}
}

// handleExit runs the exit handler: determines terminal status, persists
// it, broadcasts a terminal event, and poisons all subscribers.
func (m *Manager) handleExit(ctx context.Context, s *Session) {
	s.proc.Wait()
	code := s.proc.ExitCode()

	status := StatusCompleted
	if code != 0 {
		status = StatusFailed
	}

	s.mu.Lock()
	s.status = status
	s.exitCode = code
	subsCopy := append([]*rawSubscriber(nil), s.subs...)
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subsCopy {
		select {
		case sub.ch <- fmt.Sprintf(`{"type":"complete","exit_code":%d}`, code):
		default:
		}
		closeRawPoison(sub)
	}

	if m.store != nil {
		_ = m.store.UpdateSessionStatus(ctx, s.ID, string(status), time.Now())
	}
	if s.log != nil {
		s.log.StateChange("active", string(status))
	}
}

// Stop terminates the session's process group and records a terminal
// status. Returns false if the session is not found.
func (m *Manager) Stop(ctx context.Context, id string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	reaped := make(chan struct{})
	go func() {
		s.proc.Wait()
		close(reaped)
	}()
	_ = s.proc.Terminate(reaped)
	return true
}

// Pause toggles the paused flag; paused sessions buffer output but stop
// broadcasting it.
func (m *Manager) Pause(id string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.paused = true
	s.status = StatusPaused
	s.mu.Unlock()
	return true
}

// Resume un-pauses a session. It does NOT replay buffered output — callers
// fetch historical lines via GetOutput (spec.md §4.4).
func (m *Manager) Resume(id string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.paused = false
	if s.status == StatusPaused {
		s.status = StatusActive
	}
	s.mu.Unlock()
	return true
}

// GetOutput returns the last n lines from the ring buffer.
func (m *Manager) GetOutput(id string, lastN int) ([]string, bool) {
	s := m.get(id)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.LastN(lastN), true
}

// SendInput writes text to the child's PTY outside any session lock
// (spec.md §4.4: "write outside any lock").
func (m *Manager) SendInput(id, text string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	_, err := s.proc.Write([]byte(text))
	return err == nil
}

// Subscribe registers a raw-output subscriber, replaying the ring buffer's
// current contents under the same lock that appends the subscriber to the
// list (spec.md §4.4: "avoids TOCTOU line-loss").
func (m *Manager) Subscribe(id string, queueDepth int) (*RawSubscription, bool) {
	s := m.get(id)
	if s == nil {
		return nil, false
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	sub := &rawSubscriber{ch: make(chan string, queueDepth), poison: make(chan struct{})}

	s.mu.Lock()
	replay := s.ring.Lines()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		for _, line := range replay {
			select {
			case sub.ch <- line:
			case <-sub.poison:
				return
			}
		}
	}()

	return &RawSubscription{
		lines: sub.ch,
		done:  sub.poison,
		close: func() { m.detach(s, sub) },
	}, true
}

func (m *Manager) detach(s *Session, sub *rawSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	closeRawPoison(sub)
}

func closeRawPoison(sub *rawSubscriber) {
	select {
	case <-sub.poison:
	default:
		close(sub.poison)
	}
}

// Status returns a session's current status and whether it was found.
func (m *Manager) Status(id string) (Status, bool) {
	s := m.get(id)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, true
}

// PID returns a session's child process id (spec.md §4.10's
// `{session_id, pid, status}` start result).
func (m *Manager) PID(id string) (int, bool) {
	s := m.get(id)
	if s == nil {
		return 0, false
	}
	return s.proc.Pid, true
}

// LastActivityAt returns when a session last produced output, for
// execution handlers (spec.md §4.10's autonomous-loop monitor: "if the
// session is still producing output, stay neutral").
func (m *Manager) LastActivityAt(id string) (time.Time, bool) {
	s := m.get(id)
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt, true
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// CleanupDeadSessions reads persisted active sessions on boot and marks any
// with an unreachable PID as failed (spec.md §4.4). Since in-memory process
// handles do not survive a restart, this works purely off the store.
func (m *Manager) CleanupDeadSessions(ctx context.Context, pids map[string]int) error {
	if m.store == nil {
		return nil
	}
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("session: cleanup: list active: %w", err)
	}
	for _, rec := range active {
		pid, ok := pids[rec.SessionID]
		if !ok || !pidAlive(pid) {
			_ = m.store.UpdateSessionStatus(ctx, rec.SessionID, string(StatusFailed), time.Now())
		}
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// CheckResourceLimits stops any session exceeding its idle timeout or max
// lifetime (spec.md §4.4). Intended to run from a periodic ticker.
func (m *Manager) CheckResourceLimits(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range snapshot {
		s.mu.Lock()
		status := s.status
		idle := now.Sub(s.lastActivityAt)
		age := now.Sub(s.CreatedAt)
		idleTimeout, maxLifetime := s.IdleTimeout, s.MaxLifetime
		s.mu.Unlock()

		if status != StatusActive && status != StatusPaused {
			continue
		}
		if idle > idleTimeout {
			if s.log != nil {
				s.log.StateChange(string(status), "stopped: idle timeout exceeded")
			}
			m.Stop(ctx, s.ID)
			continue
		}
		if age > maxLifetime {
			if s.log != nil {
				s.log.StateChange(string(status), "stopped: max lifetime exceeded")
			}
			m.Stop(ctx, s.ID)
		}
	}
}

// StartBackgroundLoops runs CheckResourceLimits on a ticker until stop
// fires.
func (m *Manager) StartBackgroundLoops(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckResourceLimits(ctx)
		case <-stop:
			return
		}
	}
}
