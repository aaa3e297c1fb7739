package scheduler

import (
	"context"
	"testing"
	"time"

	"agentctl/internal/ratemonitor"
	"agentctl/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScheduler(t *testing.T, accounts []ratemonitor.Account) (*Scheduler, *ratemonitor.Monitor, *store.DB) {
	t.Helper()
	db := openTestStore(t)
	mon := ratemonitor.New(db, nil, nil, nil)
	sched := New(db, mon, func() []ratemonitor.Account { return accounts }, 5, 5, 2, nil, nil)
	return sched, mon, db
}

func TestCheckEligibilityDefaultsToEligible(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	elig := sched.CheckEligibility("unknown")
	if !elig.Eligible {
		t.Error("unknown account should default to eligible")
	}
}

func TestAtLimitStopsAccount(t *testing.T) {
	accounts := []ratemonitor.Account{{ID: "a1", MonitorEnabled: true}}
	sched, mon, db := newTestScheduler(t, accounts)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if err := db.AppendSnapshot(ctx, &store.RateLimitSnapshot{
		AccountID:   "a1",
		WindowType:  "five_hour",
		TokensUsed:  100,
		TokensLimit: 100,
		Percentage:  100,
		RecordedAt:  now,
	}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	_ = mon

	if err := sched.EvaluateAll(ctx, now); err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}

	elig := sched.CheckEligibility("a1")
	if elig.Eligible {
		t.Fatal("expected account at_limit to be stopped/ineligible")
	}
	if elig.Reason != "scheduler_paused" {
		t.Errorf("Reason = %q, want scheduler_paused", elig.Reason)
	}
}

func TestHysteresisResumeScenario(t *testing.T) {
	// spec scenario 3: hysteresis=2, account enters stopped at t=0; two
	// subsequent safe evaluations should resume it only on the second.
	accounts := []ratemonitor.Account{{ID: "a1", MonitorEnabled: true}}
	db := openTestStore(t)
	mon := ratemonitor.New(db, nil, nil, nil)
	sched := New(db, mon, func() []ratemonitor.Account { return accounts }, 5, 5, 2, nil, nil)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0).UTC()

	if err := sched.setState(ctx, "a1", StateStopped, ReasonAtLimit, "five_hour", 0, nil, t0); err != nil {
		t.Fatalf("setState: %v", err)
	}

	t1 := t0.Add(time.Minute)
	if err := sched.maybeResume(ctx, "a1", t1); err != nil {
		t.Fatalf("maybeResume t1: %v", err)
	}
	status1, err := db.GetSchedulerState(ctx, "a1")
	if err != nil {
		t.Fatalf("GetSchedulerState: %v", err)
	}
	if status1.State != StateStopped {
		t.Errorf("t1 state = %q, want stopped", status1.State)
	}
	if status1.ConsecutiveSafePolls != 1 {
		t.Errorf("t1 consecutive_safe_polls = %d, want 1", status1.ConsecutiveSafePolls)
	}

	t2 := t0.Add(2 * time.Minute)
	if err := sched.maybeResume(ctx, "a1", t2); err != nil {
		t.Fatalf("maybeResume t2: %v", err)
	}
	status2, err := db.GetSchedulerState(ctx, "a1")
	if err != nil {
		t.Fatalf("GetSchedulerState: %v", err)
	}
	if status2.State != StateQueued {
		t.Errorf("t2 state = %q, want queued", status2.State)
	}
	if status2.ConsecutiveSafePolls != 0 {
		t.Errorf("t2 consecutive_safe_polls = %d, want 0", status2.ConsecutiveSafePolls)
	}
}

func TestMarkRunningNeverOverridesStopped(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if err := sched.setState(ctx, "a1", StateStopped, ReasonAtLimit, "five_hour", 0, nil, now); err != nil {
		t.Fatalf("setState: %v", err)
	}
	if err := sched.MarkRunning(ctx, "a1", now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	elig := sched.CheckEligibility("a1")
	if elig.Eligible {
		t.Fatal("mark_running must not override a stopped state")
	}
}

func TestMarkRunningThenCompletedRoundTrips(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if err := sched.MarkRunning(ctx, "a1", now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	status := sched.GetSchedulerStatus()
	if status.Running != 1 {
		t.Fatalf("expected 1 running account, got %d", status.Running)
	}

	if err := sched.MarkCompleted(ctx, "a1", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	status = sched.GetSchedulerStatus()
	if status.Queued != 1 || status.Running != 0 {
		t.Fatalf("expected account back to queued, got queued=%d running=%d", status.Queued, status.Running)
	}
}

func TestMarkCompletedPreservesStoppedSetDuringExecution(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if err := sched.MarkRunning(ctx, "a1", now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	// Scheduler stops the account mid-execution (e.g. a concurrent evaluation).
	if err := sched.setState(ctx, "a1", StateStopped, ReasonAtLimit, "five_hour", 0, nil, now); err != nil {
		t.Fatalf("setState: %v", err)
	}
	if err := sched.MarkCompleted(ctx, "a1", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	elig := sched.CheckEligibility("a1")
	if elig.Eligible {
		t.Fatal("mark_completed must preserve a stopped state set during execution")
	}
}

func TestIsMoreConservativePicksAtLimitOverProjected(t *testing.T) {
	projected := accountETA{status: "projected", minutesRemaining: floatPtr(2)}
	atLimit := accountETA{status: "at_limit"}
	if !isMoreConservative(atLimit, projected) {
		t.Error("at_limit should be more conservative than projected")
	}
	if isMoreConservative(projected, atLimit) {
		t.Error("projected should not override at_limit")
	}
}

func TestIsMoreConservativePicksShorterProjectedETA(t *testing.T) {
	shorter := accountETA{status: "projected", minutesRemaining: floatPtr(2)}
	longer := accountETA{status: "projected", minutesRemaining: floatPtr(10)}
	if !isMoreConservative(shorter, longer) {
		t.Error("shorter projected ETA should be more conservative")
	}
	if isMoreConservative(longer, shorter) {
		t.Error("longer projected ETA should not override shorter")
	}
}

func floatPtr(f float64) *float64 { return &f }
