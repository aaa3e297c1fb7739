package orchestrator

import (
	"context"
	"testing"
	"time"

	"agentctl/internal/activitylog"
	"agentctl/internal/config"
	"agentctl/internal/ratemonitor"
	"agentctl/internal/scheduler"
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

// stubExecutor returns a scripted ExecutionResult per account id, in call
// order, and records every attempt it sees.
type stubExecutor struct {
	results map[string]*ExecutionResult
	calls   []ExecutionRequest
}

func (s *stubExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	s.calls = append(s.calls, req)
	if r, ok := s.results[req.AccountID]; ok {
		return r, nil
	}
	return &ExecutionResult{ExecutionID: "exec-" + req.AccountID}, nil
}

func TestExecuteFallbackRotation(t *testing.T) {
	// spec scenario 2: chain = [(claude, acct1), (codex, acct2)]; acct1
	// reports a rate-limit cooldown; acct2 should receive the next attempt
	// and its execution id is returned.
	db := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for _, a := range []*store.Account{
		{ID: "acct1", Backend: string(config.BackendClaude)},
		{ID: "acct2", Backend: string(config.BackendCodex)},
	} {
		if err := db.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}

	mon := ratemonitor.New(db, nil, nil, nil)
	accountsFn := func() []ratemonitor.Account {
		return []ratemonitor.Account{{ID: "acct1"}, {ID: "acct2"}}
	}
	sched := scheduler.New(db, mon, accountsFn, 5, 5, 2, activitylog.Nop(), nil)

	cooldown := 60 * time.Second
	exec := &stubExecutor{results: map[string]*ExecutionResult{
		"acct1": {ExecutionID: "exec-acct1", RateLimitCooldown: &cooldown},
		"acct2": {ExecutionID: "exec-acct2"},
	}}

	orch := New(db, sched, exec, nil, activitylog.Nop())
	chain := []config.ChainEntry{
		{Backend: config.BackendClaude, AccountID: "acct1"},
		{Backend: config.BackendCodex, AccountID: "acct2"},
	}

	id, err := orch.Execute(ctx, chain, ExecutionRequest{MessageText: "hello"}, now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "exec-acct2" {
		t.Errorf("execution id = %q, want exec-acct2", id)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(exec.calls))
	}
	if exec.calls[0].AccountID != "acct1" || exec.calls[1].AccountID != "acct2" {
		t.Errorf("unexpected attempt order: %+v", exec.calls)
	}

	acct1, err := db.GetAccount(ctx, "acct1")
	if err != nil {
		t.Fatalf("GetAccount acct1: %v", err)
	}
	if acct1.RateLimitedUntil == nil {
		t.Fatal("acct1 should have RateLimitedUntil set")
	}
	wantUntil := now.Add(cooldown)
	if !acct1.RateLimitedUntil.Equal(wantUntil) {
		t.Errorf("acct1.RateLimitedUntil = %v, want %v", acct1.RateLimitedUntil, wantUntil)
	}

	acct2, err := db.GetAccount(ctx, "acct2")
	if err != nil {
		t.Fatalf("GetAccount acct2: %v", err)
	}
	if acct2.LastUsedAt == nil {
		t.Error("acct2 should be marked used after a successful execution")
	}
}

func TestExecuteSkipsRateLimitedEntryWithoutCallingExecutor(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	until := now.Add(time.Hour)
	if err := db.UpsertAccount(ctx, &store.Account{ID: "acct1", Backend: string(config.BackendClaude), RateLimitedUntil: &until}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := db.UpsertAccount(ctx, &store.Account{ID: "acct2", Backend: string(config.BackendCodex)}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	exec := &stubExecutor{results: map[string]*ExecutionResult{}}
	orch := New(db, nil, exec, nil, activitylog.Nop())
	chain := []config.ChainEntry{
		{Backend: config.BackendClaude, AccountID: "acct1"},
		{Backend: config.BackendCodex, AccountID: "acct2"},
	}

	id, err := orch.Execute(ctx, chain, ExecutionRequest{}, now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "exec-acct2" {
		t.Errorf("execution id = %q, want exec-acct2", id)
	}
	if len(exec.calls) != 1 || exec.calls[0].AccountID != "acct2" {
		t.Errorf("expected the only attempt to be acct2, got %+v", exec.calls)
	}
}

func TestExecuteAutoSelectPicksDefaultThenLeastRecentlyUsed(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	older := now.Add(-2 * time.Hour)
	if err := db.UpsertAccount(ctx, &store.Account{ID: "acct1", Backend: string(config.BackendClaude), LastUsedAt: &older}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := db.UpsertAccount(ctx, &store.Account{ID: "acct2", Backend: string(config.BackendClaude), Default: true}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	exec := &stubExecutor{results: map[string]*ExecutionResult{}}
	orch := New(db, nil, exec, nil, activitylog.Nop())
	chain := []config.ChainEntry{{Backend: config.BackendClaude}}

	if _, err := orch.Execute(ctx, chain, ExecutionRequest{}, now); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0].AccountID != "acct2" {
		t.Errorf("expected default account acct2 to be picked, got %+v", exec.calls)
	}
}

func TestExecuteEmptyChainReturnsNoResult(t *testing.T) {
	db := openTestStore(t)
	exec := &stubExecutor{results: map[string]*ExecutionResult{}}
	orch := New(db, nil, exec, nil, activitylog.Nop())

	id, err := orch.Execute(context.Background(), nil, ExecutionRequest{}, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty execution id for empty chain, got %q", id)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor should not be called for an empty chain")
	}
}

func TestBuildEnvOverlay(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	a := &store.Account{Backend: string(config.BackendClaude), APIKeyEnvVar: "TEST_ANTHROPIC_KEY", ConfigPath: "/tmp/claude-acct1"}
	env := buildEnvOverlay(a)
	if env["ANTHROPIC_API_KEY"] != "sk-test-123" {
		t.Errorf("ANTHROPIC_API_KEY = %q, want sk-test-123", env["ANTHROPIC_API_KEY"])
	}
	if env["CLAUDE_CONFIG_DIR"] != "/tmp/claude-acct1" {
		t.Errorf("CLAUDE_CONFIG_DIR = %q, want /tmp/claude-acct1", env["CLAUDE_CONFIG_DIR"])
	}
}

func TestBuildEnvOverlayGemini(t *testing.T) {
	a := &store.Account{Backend: string(config.BackendGemini), ConfigPath: "/tmp/gemini-acct1"}
	env := buildEnvOverlay(a)
	if env["GEMINI_CLI_HOME"] != "/tmp/gemini-acct1" {
		t.Errorf("GEMINI_CLI_HOME = %q, want /tmp/gemini-acct1", env["GEMINI_CLI_HOME"])
	}
	if _, ok := env["CLAUDE_CONFIG_DIR"]; ok {
		t.Error("gemini account should not get a CLAUDE_CONFIG_DIR entry")
	}
}

func TestCheckStderrLinePatterns(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		backend  config.Backend
		wantHit  bool
		wantSecs int
	}{
		{"claude 429", "Error: 429 Too Many Requests", config.BackendClaude, true, DefaultCooldown},
		{"claude retry after", "rate_limit_error: retry after 45 seconds", config.BackendClaude, true, 45},
		{"opencode statusCode", `{"statusCode":429,"message":"rate limited"}`, config.BackendOpenCode, true, DefaultCooldown},
		{"gemini resource exhausted", "RESOURCE_EXHAUSTED: quota exceeded", config.BackendGemini, true, DefaultCooldown},
		{"codex too many requests", "too many requests, please slow down", config.BackendCodex, true, DefaultCooldown},
		{"no match", "just a normal log line", config.BackendClaude, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			secs, ok := CheckStderrLine(tc.line, tc.backend)
			if ok != tc.wantHit {
				t.Fatalf("ok = %v, want %v", ok, tc.wantHit)
			}
			if ok && secs != tc.wantSecs {
				t.Errorf("secs = %d, want %d", secs, tc.wantSecs)
			}
		})
	}
}
