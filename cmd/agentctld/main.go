package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"agentctl/internal/activitylog"
	"agentctl/internal/config"
	"agentctl/internal/metrics"
	"agentctl/internal/orchestrator"
	"agentctl/internal/ratemonitor"
	"agentctl/internal/scheduler"
	"agentctl/internal/session"
	"agentctl/internal/statechannel"
	"agentctl/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string
	var logEnabled bool

	cmd := &cobra.Command{
		Use:   "agentctld",
		Short: "agentctld runs the control plane daemon: account rate-limit monitoring, fallback-chain orchestration, and session management",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, addr, logEnabled)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "admin HTTP listen address")
	cmd.Flags().BoolVar(&logEnabled, "activity-log", true, "write per-session JSONL activity logs under ~/.agentctl/logs")
	cmd.AddCommand(newTriggerCmd())
	return cmd
}

// newTriggerCmd runs one fallback-chain execution against the current
// config and exits — a direct stand-in for the HTTP route a caller would
// otherwise hit, since request parsing and route definitions are out of
// scope (spec.md §1) and the orchestrator is "referenced via its interface
// only".
func newTriggerCmd() *cobra.Command {
	var triggerID, backend, message string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "run one fallback-chain execution and print the resulting execution id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), triggerID, backend, message)
		},
	}
	cmd.Flags().StringVar(&triggerID, "trigger-id", "", "trigger/project id whose fallback chain to use (required)")
	cmd.Flags().StringVar(&backend, "backend", "", "backend to use when no chain is configured for trigger-id")
	cmd.Flags().StringVar(&message, "message", "", "message text to drive the agent with")
	_ = cmd.MarkFlagRequired("trigger-id")
	return cmd
}

func runTrigger(ctx context.Context, triggerID, fallbackBackend, message string) error {
	cfgDir := config.Dir()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("agentctld trigger: load config: %w", err)
	}
	db, err := store.Open(filepath.Join(cfgDir, "agentctl.db"))
	if err != nil {
		return fmt.Errorf("agentctld trigger: open store: %w", err)
	}
	defer db.Close()

	log := activitylog.Nop()
	channels := statechannel.New(16)
	mgr := session.New(db, "", false)
	executor := newCLIExecutor(mgr, channels, log)

	monitor := ratemonitor.New(db, log, nil, nil)
	accountsFn := func() []ratemonitor.Account { return nil }
	sched := scheduler.New(db, monitor, accountsFn, cfg.Monitor.PollingMinutes, cfg.Monitor.SafetyMarginMinutes, cfg.Monitor.ResumeHysteresisPoll, log, nil)
	monitor.SetEvaluator(sched)
	if err := sched.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("agentctld trigger: load scheduler state: %w", err)
	}

	orc := orchestrator.New(db, sched, executor, nil, log)

	chain := cfg.Chains[triggerID]
	if len(chain) == 0 && fallbackBackend != "" {
		chain = []config.ChainEntry{{Backend: config.Backend(fallbackBackend)}}
	}

	executionID, err := orc.Execute(ctx, chain, orchestrator.ExecutionRequest{
		Trigger:     map[string]any{"id": triggerID},
		MessageText: message,
	}, time.Now())
	if err != nil {
		return fmt.Errorf("agentctld trigger: %w", err)
	}
	if executionID == "" {
		return fmt.Errorf("agentctld trigger: no eligible account in chain")
	}
	fmt.Println(executionID)
	return nil
}

// run wires every component and blocks until ctx is cancelled by SIGINT/SIGTERM.
func run(ctx context.Context, addr string, logEnabled bool) error {
	cfgDir := config.Dir()
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("agentctld: create config dir: %w", err)
	}

	lock, err := acquireInstanceLock(cfgDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	log := activitylog.New(logEnabled, filepath.Join(cfgDir, "logs", "agentctld.jsonl"), "agentctld", "")
	defer log.Close()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("agentctld: load config: %w", err)
	}

	db, err := store.Open(filepath.Join(cfgDir, "agentctl.db"))
	if err != nil {
		return fmt.Errorf("agentctld: open store: %w", err)
	}
	defer db.Close()

	if err := syncAccounts(ctx, db, cfg.Accounts); err != nil {
		return fmt.Errorf("agentctld: sync accounts: %w", err)
	}

	metricsReg := metrics.New()
	channels := statechannel.New(256)
	mgr := session.New(db, filepath.Join(cfgDir, "logs"), logEnabled)

	// No sessions survive a restart in memory (spec.md's "sessions are lost
	// on crash and reconciled on boot"): an empty liveness map marks every
	// still-"active" persisted record failed.
	if err := mgr.CleanupDeadSessions(ctx, map[string]int{}); err != nil {
		log.StateChange("boot", "cleanup_failed:"+err.Error())
	}

	monitor := ratemonitor.New(db, log, metricsReg, nil)
	if err := monitor.SeedThresholdLevels(ctx, time.Now()); err != nil {
		log.StateChange("boot", "seed_thresholds_failed:"+err.Error())
	}

	accountsFn := func() []ratemonitor.Account {
		accounts, err := db.ListAccounts(ctx)
		if err != nil {
			return nil
		}
		out := make([]ratemonitor.Account, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, ratemonitor.Account{
				ID:             a.ID,
				Backend:        a.Backend,
				ConfigPath:     a.ConfigPath,
				Plan:           a.Plan,
				DisplayName:    a.DisplayName,
				MonitorEnabled: accountMonitorEnabled(cfg, a.ID),
			})
		}
		return out
	}

	sched := scheduler.New(db, monitor, accountsFn,
		cfg.Monitor.PollingMinutes, cfg.Monitor.SafetyMarginMinutes, cfg.Monitor.ResumeHysteresisPoll,
		log, metricsReg)
	monitor.SetEvaluator(sched)
	if err := sched.LoadFromStore(ctx); err != nil {
		log.StateChange("boot", "scheduler_load_failed:"+err.Error())
	}

	stop := make(chan struct{})
	defer close(stop)
	go mgr.StartBackgroundLoops(ctx, 60*time.Second, stop)

	if cfg.Monitor.Enabled {
		go pollLoop(ctx, monitor, accountsFn, time.Duration(cfg.Monitor.PollingMinutes)*time.Minute)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      newAdminMux(db, channels, metricsReg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE subscribe connections are held open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("agentctld: admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// acquireInstanceLock enforces spec.md §5's single-process assumption: a
// second daemon invocation against the same config dir fails fast instead
// of racing the first over the sqlite file and in-memory session state.
func acquireInstanceLock(cfgDir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(cfgDir, "agentctld.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("agentctld: acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("agentctld: another instance is already running (lock held at %s)", lock.Path())
	}
	return lock, nil
}

// syncAccounts upserts every configured account into the store. The upsert
// deliberately never touches rate_limited_until/last_used_at (see
// store/accounts.go), so a config reload at boot cannot clobber state
// carried over from before the restart.
func syncAccounts(ctx context.Context, db *store.DB, accounts []config.AccountConfig) error {
	now := time.Now()
	for _, a := range accounts {
		rec := &store.Account{
			ID:           a.ID,
			Backend:      string(a.Backend),
			DisplayName:  a.DisplayName,
			Email:        a.Email,
			ConfigPath:   a.ConfigPath,
			APIKeyEnvVar: a.APIKeyEnvVar,
			Default:      a.Default,
			Plan:         a.Plan,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := db.UpsertAccount(ctx, rec); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}
	return nil
}

func accountMonitorEnabled(cfg *config.Config, accountID string) bool {
	if per, ok := cfg.Monitor.PerAccount[accountID]; ok {
		return per.Enabled
	}
	return true
}

// pollLoop drives the Rate-Limit Monitor on a ticker, matching spec.md
// §4.6's "polling_minutes" cadence.
func pollLoop(ctx context.Context, monitor *ratemonitor.Monitor, accountsFn func() []ratemonitor.Account, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = monitor.Poll(ctx, accountsFn(), time.Now())
		}
	}
}

// newAdminMux builds the minimal chi router exposing liveness, Prometheus
// scraping, and the state-channel SSE subscribe endpoint; route-level
// business semantics beyond that stay out of scope.
func newAdminMux(db *store.DB, channels *statechannel.Manager, metricsReg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/metrics", metricsReg.Handler().ServeHTTP)

	r.Get("/sessions/{id}/subscribe", func(w http.ResponseWriter, req *http.Request) {
		serveSubscribe(w, req, channels)
	})

	return r
}

func serveSubscribe(w http.ResponseWriter, req *http.Request, channels *statechannel.Manager) {
	sessionID := chi.URLParam(req, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := channels.Subscribe(sessionID, 0, 0)
	defer sub.Close()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-sub.Done():
			return
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}
}
