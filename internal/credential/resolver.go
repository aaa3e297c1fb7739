// Package credential resolves provider OAuth tokens (spec.md §4.5): a
// file-first cascade with macOS Keychain fallbacks, Gemini token refresh,
// and a short fingerprint used to dedupe usage fetches across accounts
// sharing one credential. Grounded on original_source's
// provider_usage_client.py (CredentialResolver class) — the teacher repo
// has no credential package of its own (it only talks to locally-running
// CLIs, never their stored OAuth tokens directly), so the per-provider file
// layouts and Keychain service names are taken from the original Python
// implementation and re-expressed in the teacher's net/http/os/exec idiom
// (see internal/session/agent/shared/otelserver for that idiom).
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"agentctl/internal/config"
)

// Account is the minimal view of an account.AccountConfig the resolver
// needs — kept narrow so this package doesn't import internal/config's
// full surface just for four fields.
type Account struct {
	ID         string
	Backend    config.Backend
	ConfigPath string
	Plan       string
}

// geminiCLIClientID/Secret are the public OAuth client credentials embedded
// in the open-source Gemini CLI, used only as a fallback when a credentials
// file doesn't carry its own client_id/client_secret.
const (
	geminiCLIClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiCLIClientSecret = "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"
)

// ClaudeToken resolves a Claude Code OAuth access token for account,
// trying Keychain (non-default accounts use a config-path-hash-suffixed
// service name) before falling back to the on-disk credentials file.
func ClaudeToken(a Account) (string, bool) {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".claude")
	expanded := expandPath(a.ConfigPath)
	isDefault := expanded == "" || expanded == defaultConfig

	if expanded != "" && !isDefault {
		if runtime.GOOS == "darwin" {
			suffix := shortHash(expanded)
			service := "Claude Code-credentials-" + suffix
			if token, ok := readKeychainField(service, "claudeAiOauth.accessToken"); ok {
				return token, true
			}
		}
		return readJSONField(filepath.Join(expanded, ".credentials.json"), "claudeAiOauth", "accessToken")
	}

	if runtime.GOOS == "darwin" {
		if token, ok := readKeychainField("Claude Code-credentials", "claudeAiOauth.accessToken"); ok {
			return token, true
		}
	}

	var candidates []string
	if expanded != "" {
		candidates = append(candidates, filepath.Join(expanded, ".credentials.json"))
	}
	candidates = append(candidates, filepath.Join(defaultConfig, ".credentials.json"))
	for _, path := range candidates {
		if token, ok := readJSONField(path, "claudeAiOauth", "accessToken"); ok {
			return token, true
		}
	}
	return "", false
}

// CodexToken resolves a Codex OAuth access token and its associated
// ChatGPT account id.
func CodexToken(a Account) (token, accountID string, ok bool) {
	home, _ := os.UserHomeDir()
	expanded := expandPath(a.ConfigPath)

	if expanded != "" {
		path := filepath.Join(expanded, "auth.json")
		if tok, ok := readJSONField(path, "tokens", "access_token"); ok {
			acctID, _ := readJSONField(path, "tokens", "account_id")
			return tok, acctID, true
		}
	}

	path := filepath.Join(home, ".codex", "auth.json")
	tok, ok := readJSONField(path, "tokens", "access_token")
	if !ok {
		return "", "", false
	}
	acctID, _ := readJSONField(path, "tokens", "account_id")
	return tok, acctID, true
}

// geminiCreds mirrors the fields read out of a Gemini oauth_creds.json file.
type geminiCreds struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Expiry       string `json:"expiry"`
	TokenExpiry  string `json:"token_expiry"`
	ExpiryDateMS int64  `json:"expiry_date"`
}

// GeminiToken resolves a Gemini OAuth access token, refreshing it via
// Google's token endpoint when expired.
func GeminiToken(a Account) (string, bool) {
	home, _ := os.UserHomeDir()
	expanded := expandPath(a.ConfigPath)

	var raw []byte
	if expanded != "" {
		raw, _ = os.ReadFile(filepath.Join(expanded, "oauth_creds.json"))
	}
	if raw == nil && runtime.GOOS == "darwin" {
		if data, ok := readKeychainRaw("gemini-cli-oauth"); ok {
			raw = []byte(data)
		}
	}
	if raw == nil {
		raw, _ = os.ReadFile(filepath.Join(home, ".gemini", "oauth_creds.json"))
	}
	if raw == nil {
		return "", false
	}

	var creds geminiCreds
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", false
	}
	if creds.ClientID == "" {
		creds.ClientID = geminiCLIClientID
	}
	if creds.ClientSecret == "" {
		creds.ClientSecret = geminiCLIClientSecret
	}

	if geminiTokenExpired(creds) && creds.RefreshToken != "" {
		if refreshed, ok := RefreshGoogleToken(creds.RefreshToken, creds.ClientID, creds.ClientSecret); ok {
			return refreshed, true
		}
	}
	if creds.AccessToken == "" {
		return "", false
	}
	return creds.AccessToken, true
}

func geminiTokenExpired(c geminiCreds) bool {
	if c.ExpiryDateMS > 0 {
		return time.UnixMilli(c.ExpiryDateMS).Before(time.Now())
	}
	raw := c.Expiry
	if raw == "" {
		raw = c.TokenExpiry
	}
	if raw == "" {
		return false
	}
	raw = strings.Replace(raw, "Z", "+00:00", 1)
	t, err := time.Parse("2006-01-02T15:04:05-07:00", raw)
	if err != nil {
		return false
	}
	return t.Before(time.Now())
}

// Fingerprint computes a short sha256 prefix of the resolved token, used to
// deduplicate usage fetches across accounts that share a credential.
func Fingerprint(a Account) (string, bool) {
	var token string
	var ok bool
	switch a.Backend {
	case config.BackendClaude:
		token, ok = ClaudeToken(a)
	case config.BackendCodex:
		token, _, ok = CodexToken(a)
	case config.BackendGemini:
		token, ok = GeminiToken(a)
	}
	if !ok || token == "" {
		return "", false
	}
	return shortHash(token), true
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func expandPath(p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func readJSONField(path string, keys ...string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[k]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// readKeychainField shells out to the macOS `security` CLI (the only
// supported way to read Keychain items without cgo) and extracts a dotted
// JSON field from the returned password payload.
func readKeychainField(service, dottedKey string) (string, bool) {
	raw, ok := readKeychainRaw(service)
	if !ok {
		return "", false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false
	}
	var cur any = doc
	for _, k := range strings.Split(dottedKey, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[k]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok && s != ""
}

func readKeychainRaw(service string) (string, bool) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-w").Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}
