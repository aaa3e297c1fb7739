package credential

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"agentctl/internal/config"
)

func TestClaudeTokenFromConfigPath(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, ".credentials.json"), map[string]any{
		"claudeAiOauth": map[string]any{"accessToken": "tok-123"},
	})

	a := Account{ID: "a", Backend: config.BackendClaude, ConfigPath: dir}
	token, ok := ClaudeToken(a)
	if !ok || token != "tok-123" {
		t.Fatalf("token=%q ok=%v, want tok-123/true", token, ok)
	}
}

func TestClaudeTokenMissingFileReturnsFalse(t *testing.T) {
	a := Account{ID: "a", Backend: config.BackendClaude, ConfigPath: t.TempDir()}
	if _, ok := ClaudeToken(a); ok {
		t.Error("expected ok=false for missing credentials file")
	}
}

func TestCodexTokenFromConfigPath(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "auth.json"), map[string]any{
		"tokens": map[string]any{"access_token": "codex-tok", "account_id": "acct-1"},
	})

	a := Account{ID: "a", Backend: config.BackendCodex, ConfigPath: dir}
	token, accountID, ok := CodexToken(a)
	if !ok || token != "codex-tok" || accountID != "acct-1" {
		t.Fatalf("token=%q account=%q ok=%v", token, accountID, ok)
	}
}

func TestGeminiTokenUsesEmbeddedFallbackClient(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "oauth_creds.json"), map[string]any{
		"access_token": "gem-tok",
	})

	a := Account{ID: "a", Backend: config.BackendGemini, ConfigPath: dir}
	token, ok := GeminiToken(a)
	if !ok || token != "gem-tok" {
		t.Fatalf("token=%q ok=%v, want gem-tok/true", token, ok)
	}
}

// failingTransport simulates an offline refresh endpoint without touching
// the network, keeping this test deterministic.
type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("simulated network failure")
}

func TestGeminiTokenExpiredFallsBackToStaleTokenWhenRefreshFails(t *testing.T) {
	orig := refreshClient
	refreshClient = &http.Client{Transport: failingTransport{}}
	defer func() { refreshClient = orig }()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "oauth_creds.json"), map[string]any{
		"access_token":  "stale-tok",
		"refresh_token": "refresh-tok",
		"expiry_date":   1, // epoch ms, long expired
	})

	a := Account{ID: "a", Backend: config.BackendGemini, ConfigPath: dir}
	token, ok := GeminiToken(a)
	if !ok {
		t.Fatal("expected fallback to stale access token when refresh fails")
	}
	if token != "stale-tok" {
		t.Errorf("token = %q, want stale-tok", token)
	}
}

func TestFingerprintStableAcrossAccountsSharingCredential(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, ".credentials.json"), map[string]any{
		"claudeAiOauth": map[string]any{"accessToken": "shared-tok"},
	})

	a1 := Account{ID: "a1", Backend: config.BackendClaude, ConfigPath: dir}
	a2 := Account{ID: "a2", Backend: config.BackendClaude, ConfigPath: dir}

	f1, ok1 := Fingerprint(a1)
	f2, ok2 := Fingerprint(a2)
	if !ok1 || !ok2 {
		t.Fatal("expected both fingerprints to resolve")
	}
	if f1 != f2 {
		t.Errorf("fingerprints differ: %q vs %q", f1, f2)
	}
	if len(f1) != 12 {
		t.Errorf("len(fingerprint) = %d, want 12", len(f1))
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
