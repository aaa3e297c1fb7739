package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Monitor.PollingMinutes != 5 {
		t.Errorf("PollingMinutes = %d, want 5", cfg.Monitor.PollingMinutes)
	}
}

func TestLoadFromParsesAccountsAndChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
accounts:
  - id: acct-a
    backend: claude
    display_name: Primary Claude
    default: true
    monitor_enabled: true
  - id: acct-b
    backend: codex
    display_name: Secondary Codex
    monitor_enabled: true
chains:
  default:
    - backend: claude
      account_id: acct-a
    - backend: codex
      account_id: acct-b
monitor:
  enabled: true
  polling_minutes: 15
  safety_margin_minutes: 10
  resume_hysteresis_polls: 3
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Backend != BackendClaude {
		t.Errorf("Accounts[0].Backend = %q, want claude", cfg.Accounts[0].Backend)
	}
	chain, ok := cfg.Chains["default"]
	if !ok || len(chain) != 2 {
		t.Fatalf("Chains[default] = %+v, want 2 entries", chain)
	}
	if cfg.Monitor.PollingMinutes != 15 {
		t.Errorf("PollingMinutes = %d, want 15", cfg.Monitor.PollingMinutes)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{
		Accounts: []AccountConfig{{ID: "a", Backend: "bogus"}},
		Monitor:  DefaultMonitorConfig(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidateRejectsDuplicateAccountID(t *testing.T) {
	cfg := &Config{
		Accounts: []AccountConfig{
			{ID: "dup", Backend: BackendClaude},
			{ID: "dup", Backend: BackendCodex},
		},
		Monitor: DefaultMonitorConfig(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate account id")
	}
}

func TestValidateRejectsDoubleDefaultPerBackend(t *testing.T) {
	cfg := &Config{
		Accounts: []AccountConfig{
			{ID: "a", Backend: BackendClaude, Default: true},
			{ID: "b", Backend: BackendClaude, Default: true},
		},
		Monitor: DefaultMonitorConfig(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for two defaults on same backend")
	}
}

func TestValidateRejectsBadPollingMinutes(t *testing.T) {
	cfg := &Config{Monitor: MonitorConfig{PollingMinutes: 7}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid polling_minutes")
	}
}

func TestBackendValid(t *testing.T) {
	for _, b := range []Backend{BackendClaude, BackendCodex, BackendGemini, BackendOpenCode} {
		if !b.Valid() {
			t.Errorf("%q should be valid", b)
		}
	}
	if Backend("nope").Valid() {
		t.Error(`"nope" should not be valid`)
	}
}
