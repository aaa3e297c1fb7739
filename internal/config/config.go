// Package config loads the control plane's static configuration: backend
// accounts, fallback chains, and rate-limit monitor settings. Grounded on
// the teacher's internal/config/config.go (same os.UserHomeDir-rooted
// directory convention, gopkg.in/yaml.v3, empty-config-on-missing-file).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend is the closed enum of supported CLI backends (spec.md §9
// "Dynamic dispatch over backend_type strings → closed enum").
type Backend string

const (
	BackendClaude   Backend = "claude"
	BackendCodex    Backend = "codex"
	BackendGemini   Backend = "gemini"
	BackendOpenCode Backend = "opencode"
)

// Valid reports whether b is one of the four supported backends.
func (b Backend) Valid() bool {
	switch b {
	case BackendClaude, BackendCodex, BackendGemini, BackendOpenCode:
		return true
	}
	return false
}

// AccountConfig is the on-disk representation of a provider account
// (spec.md §3 "Account").
type AccountConfig struct {
	ID             string  `yaml:"id"`
	Backend        Backend `yaml:"backend"`
	DisplayName    string  `yaml:"display_name"`
	Email          string  `yaml:"email,omitempty"`
	ConfigPath     string  `yaml:"config_path,omitempty"`
	APIKeyEnvVar   string  `yaml:"api_key_env_var,omitempty"`
	Default        bool    `yaml:"default,omitempty"`
	Plan           string  `yaml:"plan,omitempty"`
	MonitorEnabled bool    `yaml:"monitor_enabled"`
}

// ChainEntry is one (backend, optional account) attempt in a fallback chain
// (spec.md §3 "Fallback Chain Entry").
type ChainEntry struct {
	Backend   Backend `yaml:"backend"`
	AccountID string  `yaml:"account_id,omitempty"` // empty = auto-select
}

// MonitorConfig configures the Rate-Limit Monitor (spec.md §4.6).
type MonitorConfig struct {
	Enabled              bool         `yaml:"enabled"`
	PollingMinutes       int          `yaml:"polling_minutes"`
	SafetyMarginMinutes  int          `yaml:"safety_margin_minutes"`
	ResumeHysteresisPoll int          `yaml:"resume_hysteresis_polls"`
	PerAccount           map[string]PerAccountMonitorConfig `yaml:"per_account,omitempty"`
}

// PerAccountMonitorConfig allows disabling monitoring for one account
// without removing it from the pool.
type PerAccountMonitorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// validPollingMinutes enumerates the allowed polling cadences (spec.md §4.6).
var validPollingMinutes = map[int]bool{1: true, 5: true, 15: true, 30: true, 60: true}

// DefaultMonitorConfig returns the spec.md §4.6 defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:              true,
		PollingMinutes:       5,
		SafetyMarginMinutes:  5,
		ResumeHysteresisPoll: 2,
	}
}

// Config is the full static configuration file (~/.agentctl/config.yaml).
type Config struct {
	Accounts []AccountConfig        `yaml:"accounts"`
	Chains   map[string][]ChainEntry `yaml:"chains,omitempty"` // keyed by trigger/project id
	Monitor  MonitorConfig          `yaml:"monitor"`
}

// Dir returns the control plane's configuration directory (~/.agentctl/).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentctl")
	}
	return filepath.Join(home, ".agentctl")
}

// Load reads the config from Dir()/config.yaml, returning defaults if the
// file does not exist — this is a configuration error only at the API edge
// (spec.md §7), never a reason for the core to fail to start.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Dir(), "config.yaml"))
}

// LoadFrom reads and validates a config file at path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{Monitor: DefaultMonitorConfig()}
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Monitor.PollingMinutes == 0 {
		cfg.Monitor = DefaultMonitorConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration-edge errors before they can mutate core
// state (spec.md §7 "Configuration error ... validated at the API edge").
func (c *Config) Validate() error {
	seenDefault := map[Backend]bool{}
	ids := map[string]bool{}
	for _, a := range c.Accounts {
		if !a.Backend.Valid() {
			return fmt.Errorf("config: account %q: unknown backend %q", a.ID, a.Backend)
		}
		if a.ID == "" {
			return fmt.Errorf("config: account with backend %q missing id", a.Backend)
		}
		if ids[a.ID] {
			return fmt.Errorf("config: duplicate account id %q", a.ID)
		}
		ids[a.ID] = true
		if a.Default {
			if seenDefault[a.Backend] {
				return fmt.Errorf("config: backend %q has more than one default account", a.Backend)
			}
			seenDefault[a.Backend] = true
		}
	}
	if !validPollingMinutes[c.Monitor.PollingMinutes] {
		return fmt.Errorf("config: invalid polling_minutes %d (must be one of 1,5,15,30,60)", c.Monitor.PollingMinutes)
	}
	for trigger, chain := range c.Chains {
		for i, entry := range chain {
			if !entry.Backend.Valid() {
				return fmt.Errorf("config: chain %q entry %d: unknown backend %q", trigger, i, entry.Backend)
			}
		}
	}
	return nil
}
