// Package orchestrator implements the Fallback Chain (spec.md §4.8): given
// an ordered list of (backend, optional account) attempts, it picks the
// first eligible account, delegates execution to an external collaborator,
// and rotates to the next chain entry on a rate-limit signal. Grounded on
// original_source's OrchestrationService (orchestration_service.py)
// translated from a classmethod pipeline into a struct wiring
// internal/scheduler, internal/store, and an injected Executor.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/config"
	"agentctl/internal/scheduler"
	"agentctl/internal/store"
)

// ExecutionRequest is the payload handed to the injected Executor for one
// chain-entry attempt.
type ExecutionRequest struct {
	Backend     config.Backend
	AccountID   string
	EnvOverlay  map[string]string
	Trigger     map[string]any
	MessageText string
}

// ExecutionResult is what the Executor reports back. RateLimitCooldown is
// non-nil when the execution service detected a 429/rate-limit condition
// (spec.md §4.8 step 3's "execution was rate-limited" branch).
type ExecutionResult struct {
	ExecutionID      string
	RateLimitCooldown *time.Duration
}

// Executor is the external collaborator that actually runs an agent
// invocation (Session Manager + Execution-Type Handler, out of this
// package's scope per spec.md §1's "Out of scope" list).
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// BudgetDecision is the pre-execution budget check's verdict (spec.md §4.8
// step 2, and §9's open question: "hard limit blocks, soft limit warns").
type BudgetDecision struct {
	Allowed bool
	Reason  string
}

// BudgetChecker is the external collaborator that enforces spend limits.
// It is out of scope per spec.md §1; when absent, the check is treated as
// allowed (spec.md §9).
type BudgetChecker interface {
	CheckBudget(ctx context.Context, scope, id string) (BudgetDecision, error)
}

// Orchestrator walks a fallback chain and executes through the first
// eligible account.
type Orchestrator struct {
	accounts  store.Accounts
	scheduler *scheduler.Scheduler
	executor  Executor
	budget    BudgetChecker
	log       *activitylog.Logger
}

// New builds an Orchestrator. budget may be nil (treated as always-allowed).
func New(accounts store.Accounts, sched *scheduler.Scheduler, executor Executor, budget BudgetChecker, log *activitylog.Logger) *Orchestrator {
	if log == nil {
		log = activitylog.Nop()
	}
	return &Orchestrator{accounts: accounts, scheduler: sched, executor: executor, budget: budget, log: log}
}

// configEnvVar maps a backend to the environment variable its CLI reads
// its config directory from (spec.md §4.8 "config path -> backend-specific
// directory env"). Grounded on original_source's _build_account_env
// config_env_map.
var configEnvVar = map[config.Backend]string{
	config.BackendClaude: "CLAUDE_CONFIG_DIR",
	config.BackendGemini: "GEMINI_CLI_HOME",
}

func buildEnvOverlay(a *store.Account) map[string]string {
	env := map[string]string{}
	if a.APIKeyEnvVar != "" {
		if v := os.Getenv(a.APIKeyEnvVar); v != "" {
			env["ANTHROPIC_API_KEY"] = v
		}
	}
	if a.ConfigPath != "" {
		if envVar, ok := configEnvVar[config.Backend(a.Backend)]; ok {
			env[envVar] = a.ConfigPath
		}
	}
	return env
}

// pickBestAccount implements spec.md §4.8's auto-select path: filter
// rate-limited accounts, then sort by is_default DESC, last_used_at ASC.
func pickBestAccount(accounts []*store.Account, backend config.Backend, now time.Time) *store.Account {
	var available []*store.Account
	for _, a := range accounts {
		if config.Backend(a.Backend) != backend {
			continue
		}
		if a.RateLimitedUntil != nil && a.RateLimitedUntil.After(now) {
			continue
		}
		available = append(available, a)
	}
	if len(available) == 0 {
		return nil
	}
	sort.SliceStable(available, func(i, j int) bool {
		if available[i].Default != available[j].Default {
			return available[i].Default // true (default) sorts first
		}
		li, lj := lastUsed(available[i]), lastUsed(available[j])
		return li.Before(lj)
	})
	return available[0]
}

func lastUsed(a *store.Account) time.Time {
	if a.LastUsedAt != nil {
		return *a.LastUsedAt
	}
	return time.Time{}
}

func isRateLimited(a *store.Account, now time.Time) bool {
	return a.RateLimitedUntil != nil && a.RateLimitedUntil.After(now)
}

// Execute walks chain in order and returns the execution id of the first
// entry that runs to completion without a rate-limit rotation (spec.md
// §4.8). An empty chain is not handled here: callers fall through to
// direct execution per step 1, since that path has no chain-specific
// bookkeeping to perform.
func (o *Orchestrator) Execute(ctx context.Context, chain []config.ChainEntry, req ExecutionRequest, now time.Time) (string, error) {
	if o.budget != nil {
		triggerID, _ := req.Trigger["id"].(string)
		decision, err := o.budget.CheckBudget(ctx, "trigger", triggerID)
		if err == nil && !decision.Allowed {
			return "", fmt.Errorf("orchestrator: budget check blocked execution: %s", decision.Reason)
		}
	}

	allAccounts, err := o.accounts.ListAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: list accounts: %w", err)
	}

	for _, entry := range chain {
		var account *store.Account

		if entry.AccountID != "" {
			if o.scheduler != nil {
				elig := o.scheduler.CheckEligibility(entry.AccountID)
				if !elig.Eligible {
					continue
				}
			}
			account, err = o.accounts.GetAccount(ctx, entry.AccountID)
			if err != nil || account == nil {
				continue
			}
			if isRateLimited(account, now) {
				continue
			}
		} else {
			account = pickBestAccount(allAccounts, entry.Backend, now)
			if account == nil {
				continue
			}
		}

		envOverlay := buildEnvOverlay(account)
		attemptReq := req
		attemptReq.Backend = entry.Backend
		attemptReq.AccountID = account.ID
		attemptReq.EnvOverlay = envOverlay

		if o.scheduler != nil {
			if err := o.scheduler.MarkRunning(ctx, account.ID, now); err != nil {
				o.log.SchedulerEvent(account.ID, "", "", "mark_running_failed:"+err.Error())
			}
		}

		result, execErr := o.executor.Execute(ctx, attemptReq)

		if o.scheduler != nil {
			if err := o.scheduler.MarkCompleted(ctx, account.ID, now); err != nil {
				o.log.SchedulerEvent(account.ID, "", "", "mark_completed_failed:"+err.Error())
			}
		}

		if execErr != nil {
			return "", fmt.Errorf("orchestrator: execute: %w", execErr)
		}

		if result.RateLimitCooldown != nil {
			until := now.Add(*result.RateLimitCooldown)
			if err := o.accounts.SetRateLimitedUntil(ctx, account.ID, &until); err != nil {
				o.log.FallbackEvent(result.ExecutionID, account.ID, "", "rate_limit_mark_failed:"+err.Error())
			}
			o.log.FallbackEvent(result.ExecutionID, string(entry.Backend), account.ID, "rate_limited")
			continue
		}

		if result.ExecutionID != "" {
			if err := o.accounts.MarkAccountUsed(ctx, account.ID, now); err != nil {
				o.log.SchedulerEvent(account.ID, "", "", "mark_used_failed:"+err.Error())
			}
		}
		return result.ExecutionID, nil
	}

	return "", nil
}
