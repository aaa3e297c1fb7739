package streaming

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"agentctl/internal/config"
)

// ProbeFunc health-checks a local OpenAI-compatible proxy. Swappable so
// tests don't need a real HTTP listener.
type ProbeFunc func(baseURL string) bool

// ProbeHTTP is the default ProbeFunc: GET baseURL/health with a short
// timeout, treating any 2xx response as healthy.
func ProbeHTTP(baseURL string) bool {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ResolveConfig carries the operator-configured proxy/API settings the
// priority chain consults.
type ResolveConfig struct {
	ExplicitProxyBaseURL string
	ExplicitProxyAPIKey  string
	AutoProxyBaseURL     string // empty disables auto-detection
	Probe                ProbeFunc
	DirectAPIKeyEnvVar   string // e.g. "ANTHROPIC_API_KEY"
}

// Resolve implements spec.md §4.9's five-step priority chain:
//  1. an explicit local proxy base URL
//  2. an auto-detected local proxy, required when account routing is requested
//  3. for Claude only, a direct API key in the environment
//  4. for OpenCode only, its own CLI subprocess
//  5. for Claude only, CLI subprocess NDJSON fallback
func Resolve(backend config.Backend, accountEmail string, cfg ResolveConfig) (Resolution, error) {
	if cfg.ExplicitProxyBaseURL != "" {
		return Resolution{Mode: ModeProxy, BaseURL: cfg.ExplicitProxyBaseURL, APIKey: cfg.ExplicitProxyAPIKey}, nil
	}

	probe := cfg.Probe
	if probe == nil {
		probe = ProbeHTTP
	}
	if cfg.AutoProxyBaseURL != "" && probe(cfg.AutoProxyBaseURL) {
		return Resolution{Mode: ModeProxy, BaseURL: cfg.AutoProxyBaseURL, APIKey: cfg.ExplicitProxyAPIKey}, nil
	}

	if accountEmail != "" {
		return Resolution{}, fmt.Errorf("streaming: account routing via %s requires a reachable local proxy", accountEmail)
	}

	if backend == config.BackendClaude && cfg.DirectAPIKeyEnvVar != "" {
		if key := os.Getenv(cfg.DirectAPIKeyEnvVar); key != "" {
			return Resolution{Mode: ModeDirectAPI, APIKey: key}, nil
		}
	}

	if backend == config.BackendOpenCode {
		return Resolution{Mode: ModeCLI}, nil
	}

	if backend == config.BackendClaude {
		return Resolution{Mode: ModeCLI}, nil
	}

	return Resolution{}, fmt.Errorf("streaming: no resolution available for backend %s", backend)
}
