package ratemonitor

import (
	"context"
	"testing"
	"time"

	"agentctl/internal/credential"
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

func TestThresholdLevelCutoffs(t *testing.T) {
	cases := map[float64]string{
		0:    LevelNormal,
		49.9: LevelNormal,
		50:   LevelInfo,
		74.9: LevelInfo,
		75:   LevelWarning,
		89.9: LevelWarning,
		90:   LevelCritical,
		100:  LevelCritical,
	}
	for pct, want := range cases {
		if got := ThresholdLevel(pct); got != want {
			t.Errorf("ThresholdLevel(%v) = %q, want %q", pct, got, want)
		}
	}
}

func TestCheckTransitionFiresOnSeverityIncreaseOnly(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)
	now := time.Unix(1700000000, 0).UTC()

	if alert := m.checkTransition("a1", "five_hour", LevelInfo, 55, now); alert == nil {
		t.Fatal("expected transition normal->info to fire")
	}
	if alert := m.checkTransition("a1", "five_hour", LevelInfo, 60, now); alert != nil {
		t.Errorf("expected no transition on same level, got %+v", alert)
	}
	if alert := m.checkTransition("a1", "five_hour", LevelNormal, 10, now); alert != nil {
		t.Errorf("expected severity decrease to be silent, got %+v", alert)
	}
	// Stored level is now normal again; going back to info should re-fire.
	if alert := m.checkTransition("a1", "five_hour", LevelInfo, 55, now); alert == nil {
		t.Fatal("expected transition to re-fire after decrease then increase")
	}
}

func TestPollDedupsSharedFingerprint(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)

	calls := 0
	m.SetFetchFunc(func(a credential.Account) ([]credential.Window, error) {
		calls++
		return []credential.Window{{WindowType: "five_hour", Percentage: 42}}, nil
	})
	m.SetFingerprintFunc(func(a credential.Account) (string, bool) {
		return "shared-fp", true
	})

	accounts := []Account{
		{ID: "a1", Backend: "claude", MonitorEnabled: true},
		{ID: "a2", Backend: "claude", MonitorEnabled: true},
		{ID: "a3", Backend: "claude", MonitorEnabled: false},
	}

	now := time.Unix(1700000000, 0).UTC()
	if err := m.Poll(context.Background(), accounts, now); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (dedup by shared fingerprint)", calls)
	}

	for _, id := range []string{"a1", "a2"} {
		snap, err := db.LatestSnapshot(context.Background(), id, "five_hour")
		if err != nil {
			t.Fatalf("LatestSnapshot(%s): %v", id, err)
		}
		if snap == nil {
			t.Fatalf("expected a snapshot to be persisted for %s", id)
		}
		if snap.Percentage != 42 {
			t.Errorf("account %s percentage = %v, want 42", id, snap.Percentage)
		}
	}

	if got := m.LastPolledAt(); got == nil || !got.Equal(now) {
		t.Errorf("LastPolledAt = %v, want %v", got, now)
	}
	if len(m.RecentAlerts()) != 2 {
		t.Errorf("expected 2 alerts (a1, a2 both crossed info), got %d", len(m.RecentAlerts()))
	}
}

func TestConsumptionRatesTokenMode(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	snaps := []struct {
		offset time.Duration
		used   int64
	}{
		{-48 * time.Hour, 1000},
		{-24 * time.Hour, 4000},
		{0, 7000},
	}
	for _, s := range snaps {
		if err := db.AppendSnapshot(ctx, &store.RateLimitSnapshot{
			AccountID:   "a1",
			WindowType:  "seven_day",
			TokensUsed:  s.used,
			TokensLimit: 100000,
			RecordedAt:  base.Add(s.offset),
		}); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}

	rates, unit, err := m.ConsumptionRates(ctx, "a1", "seven_day", base)
	if err != nil {
		t.Fatalf("ConsumptionRates: %v", err)
	}
	if unit != "tok/hr" {
		t.Errorf("unit = %q, want tok/hr", unit)
	}
	if rates["24h"] == nil {
		t.Fatal("expected 24h rate to be computed")
	}
	// Delta over the last 24h: 7000-4000=3000 tokens / 24h = 125 tok/hr.
	if *rates["24h"] != 125 {
		t.Errorf("24h rate = %v, want 125", *rates["24h"])
	}
	if rates["120h"] == nil {
		t.Fatal("expected 120h rate to be computed from all 3 snapshots")
	}
}

func TestConsumptionRatesInsufficientData(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	rates, _, err := m.ConsumptionRates(ctx, "ghost", "five_hour", now)
	if err != nil {
		t.Fatalf("ConsumptionRates: %v", err)
	}
	for label, r := range rates {
		if r != nil {
			t.Errorf("label %s: expected nil rate with zero snapshots, got %v", label, *r)
		}
	}
}

func TestProjectETAAtLimit(t *testing.T) {
	snap := &store.RateLimitSnapshot{TokensLimit: 1000, TokensUsed: 1000}
	eta := ProjectETA(snap, map[string]*float64{}, time.Now())
	if eta.Status != "at_limit" {
		t.Errorf("Status = %q, want at_limit", eta.Status)
	}
}

func TestProjectETANoData(t *testing.T) {
	snap := &store.RateLimitSnapshot{TokensLimit: 1000, TokensUsed: 500}
	eta := ProjectETA(snap, map[string]*float64{"24h": nil}, time.Now())
	if eta.Status != "no_data" {
		t.Errorf("Status = %q, want no_data", eta.Status)
	}
}

func TestProjectETASafeWhenDeclining(t *testing.T) {
	snap := &store.RateLimitSnapshot{TokensLimit: 1000, TokensUsed: 500}
	rate := -10.0
	eta := ProjectETA(snap, map[string]*float64{"24h": &rate}, time.Now())
	if eta.Status != "safe" {
		t.Errorf("Status = %q, want safe", eta.Status)
	}
}

func TestProjectETAProjected(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	snap := &store.RateLimitSnapshot{TokensLimit: 1000, TokensUsed: 500, Percentage: 50}
	rate := 600.0 // 600 tok/hr -> 10 tok/min -> 50 min to exhaust remaining 500
	eta := ProjectETA(snap, map[string]*float64{"24h": &rate}, now)
	if eta.Status != "projected" {
		t.Fatalf("Status = %q, want projected", eta.Status)
	}
	if eta.MinutesRemaining == nil || *eta.MinutesRemaining != 50 {
		t.Errorf("MinutesRemaining = %v, want 50", eta.MinutesRemaining)
	}
}

func TestProjectETASafeWhenWindowResetsFirst(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	resetsAt := now.Add(10 * time.Minute)
	snap := &store.RateLimitSnapshot{TokensLimit: 1000, TokensUsed: 500, ResetsAt: &resetsAt}
	rate := 600.0 // would take 50 min, but window resets in 10
	eta := ProjectETA(snap, map[string]*float64{"24h": &rate}, now)
	if eta.Status != "safe" {
		t.Errorf("Status = %q, want safe (resets before limit)", eta.Status)
	}
}

func TestGetMonitoringStatusIncludesNoDataPlaceholder(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if err := db.AppendSnapshot(ctx, &store.RateLimitSnapshot{
		AccountID:      "a1",
		WindowType:     "five_hour",
		Percentage:     20,
		ThresholdLevel: LevelNormal,
		RecordedAt:     now,
	}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}

	accounts := []Account{
		{ID: "a1", MonitorEnabled: true, DisplayName: "Alpha"},
		{ID: "a2", MonitorEnabled: true, DisplayName: "Beta"},
	}

	status, err := m.GetMonitoringStatus(ctx, accounts, 5, now)
	if err != nil {
		t.Fatalf("GetMonitoringStatus: %v", err)
	}
	if len(status.Windows) != 2 {
		t.Fatalf("len(Windows) = %d, want 2", len(status.Windows))
	}

	var sawData, sawPlaceholder bool
	for _, w := range status.Windows {
		switch w.AccountID {
		case "a1":
			sawData = true
			if w.NoData {
				t.Error("a1 should have data, not a placeholder")
			}
		case "a2":
			sawPlaceholder = true
			if !w.NoData {
				t.Error("a2 has no snapshot and should be a placeholder")
			}
		}
	}
	if !sawData || !sawPlaceholder {
		t.Fatal("expected both a data row and a placeholder row")
	}
}

func TestThresholdTransitionSequenceFiresOnlyOnSeverityIncrease(t *testing.T) {
	db := openTestStore(t)
	m := New(db, nil, nil, nil)
	now := time.Unix(1700000000, 0).UTC()

	steps := []struct {
		pct        float64
		wantAlert  bool
		wantLevel  string
	}{
		{45, false, ""},
		{55, true, LevelInfo},
		{78, true, LevelWarning},
		{92, true, LevelCritical},
		{85, false, ""},
	}

	for i, step := range steps {
		level := ThresholdLevel(step.pct)
		alert := m.checkTransition("a1", "five_hour", level, step.pct, now)
		if step.wantAlert && alert == nil {
			t.Fatalf("tick %d (%.0f%%): expected alert, got none", i, step.pct)
		}
		if !step.wantAlert && alert != nil {
			t.Fatalf("tick %d (%.0f%%): expected no alert, got %+v", i, step.pct, alert)
		}
		if step.wantAlert && alert.CurrentLevel != step.wantLevel {
			t.Errorf("tick %d: CurrentLevel = %q, want %q", i, alert.CurrentLevel, step.wantLevel)
		}
	}
}

func TestSharedCredentialPeers(t *testing.T) {
	accounts := []Account{
		{ID: "a1", DisplayName: "Alpha"},
		{ID: "a2", DisplayName: "Beta"},
		{ID: "a3", DisplayName: "Gamma"},
	}
	fingerp := func(a credential.Account) (string, bool) {
		if a.ID == "a3" {
			return "solo-fp", true
		}
		return "shared-fp", true
	}
	peers := sharedCredentialPeers(accounts, fingerp)
	if len(peers["a1"]) != 1 || peers["a1"][0] != "Beta" {
		t.Errorf("a1 peers = %v, want [Beta]", peers["a1"])
	}
	if len(peers["a3"]) != 0 {
		t.Errorf("a3 should have no peers, got %v", peers["a3"])
	}
}
