// Package scheduler implements the Admission Scheduler (spec.md §4.7): a
// per-account queued/running/stopped state machine gated on the Rate-Limit
// Monitor's ETA projections, with hysteresis-damped resume. Grounded on
// original_source's AgentSchedulerService (agent_scheduler_service.py),
// translated from a classmethod-plus-module-dict singleton into a
// *Scheduler struct whose in-memory cache is backed by
// internal/store.SchedulerState, following the same SQLite-plus-in-memory-
// cache split the original documents (its own research-basis comment)
// and the teacher's narrow-store-interface idiom.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/metrics"
	"agentctl/internal/ratemonitor"
	"agentctl/internal/store"
)

const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateStopped = "stopped"
)

const (
	ReasonAtLimit          = "at_limit"
	ReasonApproachingLimit = "approaching_limit"
)

// etaPriority mirrors original_source's `priority` dict in
// `_is_more_conservative`: at_limit > projected > safe > no_data.
var etaPriority = map[string]int{
	"at_limit":  4,
	"projected": 3,
	"safe":      1,
	"no_data":   0,
}

// AccountsFunc supplies the current account roster (and per-account
// monitor-enabled flags) for each evaluation pass.
type AccountsFunc func() []ratemonitor.Account

// Scheduler is the Admission Scheduler. It satisfies ratemonitor.Evaluator.
type Scheduler struct {
	store               store.SchedulerState
	monitor             *ratemonitor.Monitor
	accountsFn          AccountsFunc
	pollingMinutes      int
	safetyMarginMinutes int
	hysteresisPolls     int
	log                 *activitylog.Logger
	metrics             *metrics.Registry

	mu    sync.Mutex
	cache map[string]*store.SchedulerSessionState
}

// New builds a Scheduler. metricsReg may be nil.
func New(
	st store.SchedulerState,
	monitor *ratemonitor.Monitor,
	accountsFn AccountsFunc,
	pollingMinutes, safetyMarginMinutes, hysteresisPolls int,
	log *activitylog.Logger,
	metricsReg *metrics.Registry,
) *Scheduler {
	if log == nil {
		log = activitylog.Nop()
	}
	return &Scheduler{
		store:               st,
		monitor:             monitor,
		accountsFn:          accountsFn,
		pollingMinutes:      pollingMinutes,
		safetyMarginMinutes: safetyMarginMinutes,
		hysteresisPolls:     hysteresisPolls,
		log:                 log,
		metrics:             metricsReg,
		cache:               map[string]*store.SchedulerSessionState{},
	}
}

// LoadFromStore warms the in-memory cache from persisted state, so a
// restart doesn't forget which accounts are stopped.
func (s *Scheduler) LoadFromStore(ctx context.Context) error {
	states, err := s.store.ListSchedulerStates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.cache[st.AccountID] = st
	}
	return nil
}

// Eligibility is the per-account admission-control verdict (spec.md §4.7
// "single-account boolean plus the stop reason and resume_estimate").
type Eligibility struct {
	Eligible       bool
	Reason         string
	Message        string
	ResumeEstimate *time.Time
}

// CheckEligibility is called per-entry inside the fallback loop (spec.md
// §4.7), not as a blanket pre-check.
func (s *Scheduler) CheckEligibility(accountID string) Eligibility {
	s.mu.Lock()
	session := s.cache[accountID]
	s.mu.Unlock()

	if session != nil && session.State == StateStopped {
		return Eligibility{
			Eligible:       false,
			Reason:         "scheduler_paused",
			Message:        fmt.Sprintf("account %s paused by scheduler: %s", accountID, session.StopReason),
			ResumeEstimate: session.ResumeEstimate,
		}
	}
	return Eligibility{Eligible: true, Reason: "ok"}
}

type accountETA struct {
	status           string
	minutesRemaining *float64
	windowType       string
	resetsAt         *time.Time
}

// EvaluateAll implements ratemonitor.Evaluator: it groups the monitor's
// current windows by account, takes the most conservative ETA per account,
// and drives each account's state transition (spec.md §4.7 steps 1-4).
func (s *Scheduler) EvaluateAll(ctx context.Context, now time.Time) error {
	if s.monitor == nil || s.accountsFn == nil {
		return nil
	}
	accounts := s.accountsFn()
	status, err := s.monitor.GetMonitoringStatus(ctx, accounts, s.pollingMinutes, now)
	if err != nil {
		return fmt.Errorf("scheduler: evaluate all: %w", err)
	}
	if len(status.Windows) == 0 {
		return nil
	}

	etas := map[string]accountETA{}
	for _, w := range status.Windows {
		candidate := accountETA{
			status:           w.ETA.Status,
			minutesRemaining: w.ETA.MinutesRemaining,
			windowType:       w.WindowType,
			resetsAt:         w.ETA.ResetsAt,
		}
		existing, ok := etas[w.AccountID]
		if !ok || isMoreConservative(candidate, existing) {
			etas[w.AccountID] = candidate
		}
	}

	for accountID, eta := range etas {
		switch {
		case eta.status == "at_limit":
			if err := s.setState(ctx, accountID, StateStopped, ReasonAtLimit, eta.windowType, 0, eta.resetsAt, now); err != nil {
				return err
			}
		case eta.status == "projected" && eta.minutesRemaining != nil && *eta.minutesRemaining < float64(s.safetyMarginMinutes):
			if err := s.setState(ctx, accountID, StateStopped, ReasonApproachingLimit, eta.windowType, *eta.minutesRemaining, eta.resetsAt, now); err != nil {
				return err
			}
		default:
			if err := s.maybeResume(ctx, accountID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// isMoreConservative reports whether candidate should replace existing as
// the account's worst-case window (spec.md §4.7 step 1).
func isMoreConservative(candidate, existing accountETA) bool {
	newPri := etaPriority[candidate.status]
	oldPri := etaPriority[existing.status]
	if newPri > oldPri {
		return true
	}
	if newPri == oldPri && newPri == etaPriority["projected"] {
		if candidate.minutesRemaining != nil &&
			(existing.minutesRemaining == nil || *candidate.minutesRemaining < *existing.minutesRemaining) {
			return true
		}
	}
	return false
}

// setState transitions an account to state, persists it, computes
// resume_estimate when stopping, and logs the transition.
func (s *Scheduler) setState(ctx context.Context, accountID, state, stopReason, stopWindowType string, stopETAMinutes float64, resetsAt *time.Time, now time.Time) error {
	var resumeEstimate *time.Time
	if state == StateStopped {
		switch {
		case resetsAt != nil:
			resumeEstimate = resetsAt
		default:
			bump := stopETAMinutes
			if bump < 1 {
				bump = 1
			}
			t := now.Add(time.Duration(bump * float64(time.Minute)))
			resumeEstimate = &t
		}
	}

	s.mu.Lock()
	prev := s.cache[accountID]
	prevState := StateQueued
	if prev != nil {
		prevState = prev.State
	}
	next := &store.SchedulerSessionState{
		AccountID:            accountID,
		State:                state,
		StopReason:           stopReason,
		StopWindowType:       stopWindowType,
		StopETAMinutes:       stopETAMinutes,
		ResumeEstimate:       resumeEstimate,
		ConsecutiveSafePolls: 0,
		UpdatedAt:            now,
	}
	s.cache[accountID] = next
	s.mu.Unlock()

	if err := s.store.UpsertSchedulerState(ctx, next); err != nil {
		return fmt.Errorf("scheduler: persist state: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SchedulerState.WithLabelValues(accountID).Set(metrics.SchedulerStateValue(state))
	}
	if prevState != state {
		s.log.SchedulerEvent(accountID, prevState, state, stopReason)
	}
	return nil
}

// maybeResume increments consecutive_safe_polls; at the hysteresis
// threshold it transitions stopped -> queued and resets the counter,
// otherwise it persists the incremented counter and stays stopped
// (spec.md §4.7 "hysteresis-damped resume").
func (s *Scheduler) maybeResume(ctx context.Context, accountID string, now time.Time) error {
	s.mu.Lock()
	session := s.cache[accountID]
	if session == nil || session.State != StateStopped {
		s.mu.Unlock()
		return nil
	}

	polls := session.ConsecutiveSafePolls + 1
	var next store.SchedulerSessionState
	if polls >= s.hysteresisPolls {
		next = store.SchedulerSessionState{
			AccountID:            accountID,
			State:                StateQueued,
			ConsecutiveSafePolls: 0,
			UpdatedAt:            now,
		}
	} else {
		next = *session
		next.ConsecutiveSafePolls = polls
		next.UpdatedAt = now
	}
	cp := next
	s.cache[accountID] = &cp
	s.mu.Unlock()

	if err := s.store.UpsertSchedulerState(ctx, &cp); err != nil {
		return fmt.Errorf("scheduler: persist resume: %w", err)
	}
	if cp.State == StateQueued {
		if s.metrics != nil {
			s.metrics.SchedulerState.WithLabelValues(accountID).Set(metrics.SchedulerStateValue(StateQueued))
		}
		s.log.SchedulerEvent(accountID, StateStopped, StateQueued, "hysteresis_resume")
	}
	return nil
}

// MarkRunning transitions queued -> running (spec.md §4.7
// "mark_running"). Stopped is never overridden: this is a defensive guard
// against execution that started before a stop decision landed.
func (s *Scheduler) MarkRunning(ctx context.Context, accountID string, now time.Time) error {
	s.mu.Lock()
	session := s.cache[accountID]
	s.mu.Unlock()
	if session != nil && session.State == StateStopped {
		return nil
	}
	return s.setState(ctx, accountID, StateRunning, "", "", 0, nil, now)
}

// MarkCompleted transitions running -> queued, preserving a stopped state
// set while execution was in progress (spec.md §4.7 "mark_completed").
func (s *Scheduler) MarkCompleted(ctx context.Context, accountID string, now time.Time) error {
	s.mu.Lock()
	session := s.cache[accountID]
	s.mu.Unlock()
	if session == nil || session.State == StateStopped {
		return nil
	}
	if session.State != StateRunning {
		return nil
	}
	return s.setState(ctx, accountID, StateQueued, "", "", 0, nil, now)
}

// Summary is the scheduler-wide status report.
type Summary struct {
	Sessions []store.SchedulerSessionState
	Total    int
	Queued   int
	Running  int
	Stopped  int
}

// GetSchedulerStatus returns every cached session plus per-state counts.
func (s *Scheduler) GetSchedulerStatus() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	for _, session := range s.cache {
		sum.Sessions = append(sum.Sessions, *session)
		sum.Total++
		switch session.State {
		case StateQueued:
			sum.Queued++
		case StateRunning:
			sum.Running++
		case StateStopped:
			sum.Stopped++
		}
	}
	return sum
}
