package exechandler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentctl/internal/activitylog"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
)

func init() {
	Register("team_spawn", func(mgr *session.Manager, channels *statechannel.Manager, log *activitylog.Logger) Handler {
		if log == nil {
			log = activitylog.Nop()
		}
		return &TeamSpawnHandler{mgr: mgr, channels: channels, log: log, watchers: map[string]*teamWatch{}}
	})
}

// teamWatchPollInterval is a var rather than a const so tests can shrink
// the poll cadence instead of waiting out the real 5s fallback.
var teamWatchPollInterval = 5 * time.Second

// TeamFeatureFlag gates team-spawn sessions (spec.md §4.10 "feature-flag
// check"); a package var rather than a constant so callers/tests can flip
// it without an extra config plumbing layer.
var TeamFeatureFlag = true

type teamWatch struct {
	cancel  context.CancelFunc
	mtimes  map[string]time.Time
	mu      sync.Mutex
}

// TeamSpawnHandler starts a session with the experimental team feature
// enabled and watches its well-known team directory for config/task JSON
// files (spec.md §4.10 "Team spawn").
type TeamSpawnHandler struct {
	mgr      *session.Manager
	channels *statechannel.Manager
	log      *activitylog.Logger

	mu       sync.Mutex
	watchers map[string]*teamWatch
}

func teamDir(cwd, teamID string) string {
	return filepath.Join(cwd, ".agentctl", "teams", teamID)
}

func buildTeamCreatePrompt(cfg StartConfig) string {
	return fmt.Sprintf("create team %s: %s", cfg.TeamID, cfg.TaskDescription)
}

func (h *TeamSpawnHandler) Start(ctx context.Context, cfg StartConfig) (StartResult, error) {
	if !TeamFeatureFlag {
		return StartResult{}, fmt.Errorf("exechandler: team_spawn feature is disabled")
	}
	if cfg.TeamID == "" {
		return StartResult{}, fmt.Errorf("exechandler: team_spawn requires a team id")
	}

	dir := teamDir(cfg.Cwd, cfg.TeamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StartResult{}, fmt.Errorf("exechandler: create team dir: %w", err)
	}

	env := map[string]string{}
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["AGENTCTL_TEAM_FEATURE"] = "1"
	env["AGENTCTL_TEAM_ID"] = cfg.TeamID

	args := append(append([]string{}, cfg.Args...), buildTeamCreatePrompt(cfg))
	id, err := h.mgr.Create(ctx, session.CreateOptions{
		TriggerID:     cfg.TriggerID,
		Command:       cfg.Command,
		Args:          args,
		Cwd:           cfg.Cwd,
		WorktreePath:  cfg.WorktreePath,
		ExecutionType: "team_spawn",
		ExecutionMode: "interactive",
		Env:           env,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("exechandler: team spawn start: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	tw := &teamWatch{cancel: cancel, mtimes: map[string]time.Time{}}
	h.mu.Lock()
	h.watchers[id] = tw
	h.mu.Unlock()

	go h.watch(watchCtx, id, dir, tw)

	pid, _ := h.mgr.PID(id)
	status, _ := h.mgr.Status(id)
	return StartResult{SessionID: id, PID: pid, Status: string(status)}, nil
}

// watch runs an fsnotify watcher on dir plus a 5s poll fallback for
// platforms with batched filesystem notifications (spec.md §4.10).
func (h *TeamSpawnHandler) watch(ctx context.Context, sessionID, dir string, tw *teamWatch) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.log.HookEvent("team_watch_error", err.Error())
		h.pollOnly(ctx, sessionID, dir, tw)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		h.log.HookEvent("team_watch_error", err.Error())
	}

	ticker := time.NewTicker(teamWatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.emitIfChanged(sessionID, ev.Name, tw)
			}
		case <-watcher.Errors:
		case <-ticker.C:
			h.scanAll(sessionID, dir, tw)
		}
	}
}

// pollOnly is used if the fsnotify watcher itself could not be created.
func (h *TeamSpawnHandler) pollOnly(ctx context.Context, sessionID, dir string, tw *teamWatch) {
	ticker := time.NewTicker(teamWatchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scanAll(sessionID, dir, tw)
		}
	}
}

func (h *TeamSpawnHandler) scanAll(sessionID, dir string, tw *teamWatch) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		h.emitIfChanged(sessionID, filepath.Join(dir, entry.Name()), tw)
	}
}

func (h *TeamSpawnHandler) emitIfChanged(sessionID, path string, tw *teamWatch) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	tw.mu.Lock()
	last, seen := tw.mtimes[path]
	changed := !seen || info.ModTime().After(last)
	tw.mtimes[path] = info.ModTime()
	tw.mu.Unlock()
	if !changed {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	deltaType := "task"
	if filepath.Base(path) == "config.json" {
		deltaType = "config"
	}

	if h.channels != nil {
		h.channels.PushDelta(sessionID, "team_update", map[string]any{
			"type": deltaType,
			"data": payload,
		})
	}
}

func (h *TeamSpawnHandler) Monitor(ctx context.Context, sessionID string) (MonitorStatus, error) {
	status, ok := h.mgr.Status(sessionID)
	if !ok {
		return MonitorStatus{}, fmt.Errorf("exechandler: unknown session %q", sessionID)
	}
	return MonitorStatus{Status: string(status)}, nil
}

func (h *TeamSpawnHandler) Stop(sessionID string) bool {
	h.mu.Lock()
	tw := h.watchers[sessionID]
	delete(h.watchers, sessionID)
	h.mu.Unlock()
	if tw != nil {
		tw.cancel()
	}
	return h.mgr.Stop(context.Background(), sessionID)
}

func (h *TeamSpawnHandler) GetOutput(sessionID string, lastN int) ([]string, bool) {
	return h.mgr.GetOutput(sessionID, lastN)
}
