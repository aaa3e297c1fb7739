// Package ratemonitor drives the periodic rate-limit polling job: it fetches
// provider usage per account, persists snapshots, detects threshold
// transitions, and projects time-to-limit. Grounded on original_source's
// MonitoringService (monitoring_service.py), translated into a struct with
// an explicit Poll method instead of a classmethod-plus-module-globals
// singleton, since Go has no APScheduler analogue in this pack — the
// teacher's own lifecycleLoop ticker pattern (internal/session/session.go)
// supplies the "interval job driven by a ticker" idiom instead.
package ratemonitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/cache"
	"agentctl/internal/credential"
	"agentctl/internal/metrics"
	"agentctl/internal/store"
)

// usageFetchDedupTTL only needs to outlast one Poll call: each call builds
// its own cache.Cache instance, so this just needs to be longer than a
// single tick ever takes.
const usageFetchDedupTTL = time.Hour

// ThresholdLevel ordering mirrors spec.md §4.6's normal/info/warning/critical
// cutoffs at 50/75/90%.
const (
	LevelNormal   = "normal"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

var severityOrder = map[string]int{
	LevelNormal:   0,
	LevelInfo:     1,
	LevelWarning:  2,
	LevelCritical: 3,
}

// ThresholdLevel classifies a usage percentage per spec.md §4.6.
func ThresholdLevel(pct float64) string {
	switch {
	case pct >= 90:
		return LevelCritical
	case pct >= 75:
		return LevelWarning
	case pct >= 50:
		return LevelInfo
	default:
		return LevelNormal
	}
}

// Account is the subset of account data the monitor needs per poll tick.
type Account struct {
	ID             string
	Backend        string
	ConfigPath     string
	Plan           string
	DisplayName    string
	MonitorEnabled bool
}

func (a Account) credential() credential.Account {
	return credential.Account{ID: a.ID, Backend: a.Backend, ConfigPath: a.ConfigPath, Plan: a.Plan}
}

// Alert records a threshold transition fired during a poll (severity
// increase only; decreases update silently per spec.md §4.6).
type Alert struct {
	AccountID     string
	WindowType    string
	PreviousLevel string
	CurrentLevel  string
	Percentage    float64
	At            time.Time
}

// Evaluator lets the Admission Scheduler piggyback on a completed monitor
// poll (spec.md §4.6 step 3: "Delegate to 4.7's evaluate_all_accounts")
// without ratemonitor importing the scheduler package.
type Evaluator interface {
	EvaluateAll(ctx context.Context, now time.Time) error
}

// FetchFunc abstracts credential.FetchUsage so tests can stub provider
// calls without touching the network.
type FetchFunc func(credential.Account) ([]credential.Window, error)

// FingerprintFunc abstracts credential.Fingerprint for the same reason.
type FingerprintFunc func(credential.Account) (string, bool)

// Monitor drives one poll tick and answers monitoring-status queries.
type Monitor struct {
	windows store.Windows
	log     *activitylog.Logger
	fetch   FetchFunc
	fingerp FingerprintFunc
	metrics *metrics.Registry
	eval    Evaluator

	mu           sync.Mutex
	lastLevels   map[string]string // "accountID/windowType" -> level
	recentAlerts []Alert
	lastPolledAt *time.Time
}

// New builds a Monitor. metricsReg and eval may be nil.
func New(windows store.Windows, log *activitylog.Logger, metricsReg *metrics.Registry, eval Evaluator) *Monitor {
	if log == nil {
		log = activitylog.Nop()
	}
	return &Monitor{
		windows:    windows,
		log:        log,
		fetch:      credential.FetchUsage,
		fingerp:    credential.Fingerprint,
		metrics:    metricsReg,
		eval:       eval,
		lastLevels: map[string]string{},
	}
}

// SetFetchFunc overrides the provider-usage fetcher, letting tests stub
// network calls.
func (m *Monitor) SetFetchFunc(f FetchFunc) { m.fetch = f }

// SetFingerprintFunc overrides the credential fingerprinter, letting tests
// control dedup/shared-credential behavior without real credential files.
func (m *Monitor) SetFingerprintFunc(f FingerprintFunc) { m.fingerp = f }

// SetEvaluator wires the Admission Scheduler in after construction, since
// scheduler.New itself takes a *Monitor — callers build the Monitor first
// with a nil Evaluator, then the Scheduler, then call this.
func (m *Monitor) SetEvaluator(eval Evaluator) { m.eval = eval }

// SeedThresholdLevels primes the in-memory threshold-transition state from
// persisted snapshots (looking back up to 31 days), so a restart doesn't
// re-fire transitions that already happened before the process started
// (original_source's MonitoringService.init reads get_latest_snapshots for
// the same reason).
func (m *Monitor) SeedThresholdLevels(ctx context.Context, now time.Time) error {
	snaps, err := m.windows.LatestSnapshots(ctx, now.Add(-31*24*time.Hour))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		level := s.ThresholdLevel
		if level == "" {
			level = LevelNormal
		}
		m.lastLevels[levelKey(s.AccountID, s.WindowType)] = level
	}
	return nil
}

func levelKey(accountID, windowType string) string {
	return accountID + "/" + windowType
}

// Poll runs one monitor tick: fetch usage per enabled account (deduping
// accounts that share a credential fingerprint), persist snapshots,
// classify thresholds, and delegate to the Admission Scheduler.
func (m *Monitor) Poll(ctx context.Context, accounts []Account, now time.Time) error {
	start := time.Now()
	m.mu.Lock()
	m.recentAlerts = nil
	m.mu.Unlock()

	// fetched is a fresh cache per tick, so dedup never reaches across polls
	// even though cache.Cache itself is TTL-based (spec.md §4.6: "if already
	// fetched this tick, reuse").
	fetched := cache.New()

	for _, a := range accounts {
		if !a.MonitorEnabled {
			continue
		}

		cred := a.credential()
		cacheKey := ""
		if fp, ok := m.fingerp(cred); ok {
			cacheKey = fp + ":" + a.Plan
		}

		var windows []credential.Window
		if cacheKey != "" {
			if v, ok := fetched.Get(cacheKey); ok {
				windows = v.([]credential.Window)
			}
		}
		if windows == nil {
			w, err := m.fetch(cred)
			if err != nil {
				if m.metrics != nil {
					m.metrics.MonitorPollErrorsTotal.Inc()
				}
				continue
			}
			windows = w
			if cacheKey != "" {
				fetched.Set(cacheKey, w, usageFetchDedupTTL)
			}
		}

		for _, w := range windows {
			level := ThresholdLevel(w.Percentage)
			snap := &store.RateLimitSnapshot{
				AccountID:      a.ID,
				WindowType:     w.WindowType,
				TokensUsed:     w.TokensUsed,
				TokensLimit:    w.TokensLimit,
				Percentage:     w.Percentage,
				ThresholdLevel: level,
				ResetsAt:       w.ResetsAt,
				RecordedAt:     now,
			}
			if err := m.windows.AppendSnapshot(ctx, snap); err != nil {
				continue
			}

			if m.metrics != nil {
				m.metrics.RateLimitPercentage.WithLabelValues(a.ID, w.WindowType).Set(w.Percentage)
				m.metrics.RateLimitThresholdSev.WithLabelValues(a.ID, w.WindowType).Set(metrics.ThresholdSeverity(level))
			}

			if alert := m.checkTransition(a.ID, w.WindowType, level, w.Percentage, now); alert != nil {
				m.mu.Lock()
				m.recentAlerts = append(m.recentAlerts, *alert)
				m.mu.Unlock()
				m.log.RateLimitEvent(a.ID, w.WindowType, level, w.Percentage)
			}
		}
	}

	m.mu.Lock()
	m.lastPolledAt = &now
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.MonitorLastPollUnix.Set(float64(now.Unix()))
		m.metrics.MonitorPollDuration.Observe(time.Since(start).Seconds())
	}

	if m.eval != nil {
		if err := m.eval.EvaluateAll(ctx, now); err != nil {
			return fmt.Errorf("ratemonitor: scheduler evaluation: %w", err)
		}
	}
	return nil
}

// checkTransition reports a transition only when severity strictly
// increases; a decrease still updates the stored level but is silent
// (spec.md §4.6 "cooldown").
func (m *Monitor) checkTransition(accountID, windowType, level string, pct float64, now time.Time) *Alert {
	key := levelKey(accountID, windowType)

	m.mu.Lock()
	prev, ok := m.lastLevels[key]
	if !ok {
		prev = LevelNormal
	}
	m.lastLevels[key] = level
	m.mu.Unlock()

	if level == prev {
		return nil
	}
	if severityOrder[level] <= severityOrder[prev] {
		return nil
	}
	return &Alert{
		AccountID:     accountID,
		WindowType:    windowType,
		PreviousLevel: prev,
		CurrentLevel:  level,
		Percentage:    pct,
		At:            now,
	}
}

// LastPolledAt returns the timestamp of the last completed poll, if any.
func (m *Monitor) LastPolledAt() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPolledAt
}

// RecentAlerts returns the threshold transitions fired on the most recent
// poll.
func (m *Monitor) RecentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.recentAlerts))
	copy(out, m.recentAlerts)
	return out
}

// CleanupOldSnapshots deletes snapshot rows older than retention (spec.md
// §4.6's daily cleanup, default 31 days). Intended to run from a daily
// ticker.
func (m *Monitor) CleanupOldSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	return m.windows.CleanupOldSnapshots(ctx, retention)
}

// lookbacks is the set of consumption-rate windows spec.md §4.6 reports.
var lookbacks = []struct {
	label   string
	minutes float64
}{
	{"24h", 1440},
	{"48h", 2880},
	{"72h", 4320},
	{"96h", 5760},
	{"120h", 7200},
}

// ConsumptionRates computes moving-average consumption rates over the
// standard lookback set, anchored to the newest snapshot (not wall-clock
// now). Returns per-label rate-per-hour (nil entries mean insufficient
// data) and the unit string ("tok/hr" or "%/hr").
func (m *Monitor) ConsumptionRates(ctx context.Context, accountID, windowType string, now time.Time) (map[string]*float64, string, error) {
	all, err := m.windows.SnapshotsSince(ctx, accountID, windowType, now.Add(-31*24*time.Hour))
	if err != nil {
		return nil, "", err
	}

	unit := "tok/hr"
	if len(all) > 0 && all[len(all)-1].TokensLimit == 0 {
		unit = "%/hr"
	}

	result := map[string]*float64{}
	if len(all) < 2 {
		for _, lb := range lookbacks {
			result[lb.label] = nil
		}
		return result, unit, nil
	}

	newestTime := all[len(all)-1].RecordedAt
	for _, lb := range lookbacks {
		cutoff := newestTime.Add(-time.Duration(lb.minutes) * time.Minute)
		var windowed []*store.RateLimitSnapshot
		for _, s := range all {
			if !s.RecordedAt.Before(cutoff) {
				windowed = append(windowed, s)
			}
		}
		if len(windowed) < 2 {
			result[lb.label] = nil
			continue
		}
		oldest, newest := windowed[0], windowed[len(windowed)-1]
		deltaMinutes := newest.RecordedAt.Sub(oldest.RecordedAt).Minutes()
		if deltaMinutes <= 0 {
			result[lb.label] = nil
			continue
		}
		var delta float64
		if newest.TokensLimit > 0 {
			delta = float64(newest.TokensUsed - oldest.TokensUsed)
		} else {
			delta = newest.Percentage - oldest.Percentage
		}
		ratePerHour := round1(delta / deltaMinutes * 60)
		result[lb.label] = &ratePerHour
	}
	return result, unit, nil
}

// ETA is the result of time-to-limit projection (spec.md §4.6).
type ETA struct {
	Status          string // at_limit|no_data|safe|projected
	At              *time.Time
	MinutesRemaining *float64
	Message         string
	ResetsAt        *time.Time
}

// ProjectETA implements spec.md §4.6's ETA projection: pick the longest
// lookback with >= 2 snapshots, then extrapolate remaining capacity at that
// rate, clamped to "safe" if the window resets first.
func ProjectETA(snap *store.RateLimitSnapshot, rates map[string]*float64, now time.Time) ETA {
	var remaining float64
	if snap.TokensLimit > 0 {
		remaining = float64(snap.TokensLimit - snap.TokensUsed)
	} else {
		remaining = 100.0 - snap.Percentage
	}
	if remaining <= 0 {
		return ETA{Status: "at_limit", Message: "Rate limit reached"}
	}

	var ratePerHour *float64
	for _, label := range []string{"120h", "96h", "72h", "48h", "24h"} {
		if r := rates[label]; r != nil {
			ratePerHour = r
			break
		}
	}
	if ratePerHour == nil {
		return ETA{Status: "no_data", Message: "Insufficient data"}
	}

	ratePerMinute := *ratePerHour / 60.0
	if ratePerMinute <= 0 {
		msg := "Usage declining"
		if snap.Percentage <= 0 {
			msg = "No activity"
		}
		return ETA{Status: "safe", Message: msg}
	}

	minutesUntilLimit := remaining / ratePerMinute
	etaTime := now.Add(time.Duration(minutesUntilLimit * float64(time.Minute)))

	if snap.ResetsAt != nil && etaTime.After(*snap.ResetsAt) {
		return ETA{Status: "safe", Message: "Window resets before limit", ResetsAt: snap.ResetsAt}
	}

	remainingRounded := round1(minutesUntilLimit)
	return ETA{
		Status:           "projected",
		At:               &etaTime,
		MinutesRemaining: &remainingRounded,
		Message:          formatETA(minutesUntilLimit),
	}
}

func formatETA(minutes float64) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("~%dm", int(minutes))
	case minutes < 1440:
		return fmt.Sprintf("~%dh %dm", int(minutes)/60, int(minutes)%60)
	default:
		return fmt.Sprintf("~%dd %dh", int(minutes)/1440, (int(minutes)%1440)/60)
	}
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

// WindowStatus is one per-window entry in Status.Windows.
type WindowStatus struct {
	AccountID       string
	DisplayName     string
	Plan            string
	Backend         string
	WindowType      string
	TokensUsed      int64
	TokensLimit     int64
	Percentage      float64
	ThresholdLevel  string
	ResetsAt        *time.Time
	RecordedAt      *time.Time
	ConsumptionRate map[string]*float64
	RateUnit        string
	ETA             ETA
	SharedWith      []string
	NoData          bool
}

// Status is the full monitoring-status report (spec.md §4.6
// get_monitoring_status).
type Status struct {
	Windows         []WindowStatus
	ThresholdAlerts []Alert
	LastPolledAt    *time.Time
}

// GetMonitoringStatus builds the full status report: per-window snapshots
// enriched with consumption rates and ETA, shared-credential peer lists
// derived from fingerprint collisions, and placeholders for enabled
// accounts with no recent data (spec.md §4.6 get_monitoring_status).
func (m *Monitor) GetMonitoringStatus(ctx context.Context, accounts []Account, pollingMinutes int, now time.Time) (*Status, error) {
	maxAge := time.Duration(pollingMinutes*3) * time.Minute
	if maxAge < 30*time.Minute {
		maxAge = 30 * time.Minute
	}

	byID := map[string]Account{}
	for _, a := range accounts {
		byID[a.ID] = a
	}
	sharedWith := sharedCredentialPeers(accounts, m.fingerp)

	latest, err := m.windows.LatestSnapshots(ctx, now.Add(-maxAge))
	if err != nil {
		return nil, err
	}

	var out []WindowStatus
	accountsWithData := map[string]bool{}
	for _, snap := range latest {
		a, known := byID[snap.AccountID]
		if !known {
			continue
		}
		accountsWithData[a.ID] = true

		rates, unit, err := m.ConsumptionRates(ctx, a.ID, snap.WindowType, now)
		if err != nil {
			return nil, err
		}
		eta := ProjectETA(snap, rates, now)
		recordedAt := snap.RecordedAt

		out = append(out, WindowStatus{
			AccountID:       a.ID,
			DisplayName:     a.DisplayName,
			Plan:            a.Plan,
			Backend:         a.Backend,
			WindowType:      snap.WindowType,
			TokensUsed:      snap.TokensUsed,
			TokensLimit:     snap.TokensLimit,
			Percentage:      snap.Percentage,
			ThresholdLevel:  snap.ThresholdLevel,
			ResetsAt:        snap.ResetsAt,
			RecordedAt:      &recordedAt,
			ConsumptionRate: rates,
			RateUnit:        unit,
			ETA:             eta,
			SharedWith:      sharedWith[a.ID],
		})
	}

	// Enabled accounts with no recent snapshot still get a placeholder card
	// so they show up as "no data / auth failed" rather than disappearing.
	for _, a := range accounts {
		if a.MonitorEnabled && !accountsWithData[a.ID] {
			out = append(out, WindowStatus{
				AccountID:      a.ID,
				DisplayName:    a.DisplayName,
				Plan:           a.Plan,
				Backend:        a.Backend,
				WindowType:     "no_data",
				ThresholdLevel: LevelNormal,
				ETA:            ETA{Status: "no_data", Message: "No monitoring data"},
				NoData:         true,
			})
		}
	}

	return &Status{
		Windows:         out,
		ThresholdAlerts: m.RecentAlerts(),
		LastPolledAt:    m.LastPolledAt(),
	}, nil
}

// sharedCredentialPeers groups account IDs by shared credential fingerprint
// and returns, for each account, the display names of its peers.
func sharedCredentialPeers(accounts []Account, fingerp FingerprintFunc) map[string][]string {
	byFingerprint := map[string][]string{}
	nameByID := map[string]string{}
	for _, a := range accounts {
		nameByID[a.ID] = a.DisplayName
		fp, ok := fingerp(a.credential())
		if !ok {
			continue
		}
		byFingerprint[fp] = append(byFingerprint[fp], a.ID)
	}

	out := map[string][]string{}
	for _, ids := range byFingerprint {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		for _, id := range ids {
			var peers []string
			for _, other := range ids {
				if other == id {
					continue
				}
				peers = append(peers, nameByID[other])
			}
			out[id] = peers
		}
	}
	return out
}
