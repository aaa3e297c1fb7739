package credential

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agentctl/internal/config"
	"agentctl/internal/ptyrunner"
)

// Window is one rate-limit bucket returned by a provider usage fetch
// (spec.md §4.5: "{window_type, percentage, resets_at, tokens_used,
// tokens_limit}").
type Window struct {
	WindowType  string
	Percentage  float64
	ResetsAt    *time.Time
	TokensUsed  int64
	TokensLimit int64
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

// errRateLimited is returned when the local fetch limiter throttles a call
// before it ever reaches the provider.
var errRateLimited = fmt.Errorf("credential: usage fetch rate-limited, try again shortly")

// FetchUsage dispatches to the provider-specific fetcher named by
// a.Backend (spec.md §4.5).
func FetchUsage(a Account) ([]Window, error) {
	if !fetchLimiter.allow(string(a.Backend)) {
		return nil, errRateLimited
	}
	switch a.Backend {
	case config.BackendClaude:
		return fetchClaude(a)
	case config.BackendCodex:
		return fetchCodex(a)
	case config.BackendGemini:
		return fetchGemini(a)
	default:
		return nil, nil
	}
}

func fetchClaude(a Account) ([]Window, error) {
	token, ok := ClaudeToken(a)
	if !ok {
		return nil, errNoToken
	}

	headers := map[string]string{
		"Authorization":  "Bearer " + token,
		"anthropic-beta": "oauth-2025-04-20",
	}
	var body map[string]any
	if err := httpGetJSON("https://api.anthropic.com/api/oauth/usage", headers, &body); err != nil {
		return nil, err
	}

	var windows []Window
	for _, key := range []string{"five_hour", "seven_day", "seven_day_sonnet"} {
		w, ok := body[key].(map[string]any)
		if !ok {
			continue
		}
		windows = append(windows, Window{
			WindowType: key,
			Percentage: asFloat(w["utilization"]),
			ResetsAt:   parseTimeField(w["resets_at"]),
		})
	}
	return windows, nil
}

func fetchCodex(a Account) ([]Window, error) {
	isDefault := a.ConfigPath == "" || expandPath(a.ConfigPath) == defaultCodexConfig()
	if isDefault {
		if windows, ok := fetchCodexViaPTY(); ok {
			return windows, nil
		}
	}

	token, chatgptAccountID, ok := CodexToken(a)
	if !ok {
		return nil, errNoToken
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	if chatgptAccountID != "" {
		headers["ChatGPT-Account-Id"] = chatgptAccountID
	}
	var body map[string]any
	if err := httpGetJSON("https://chatgpt.com/backend-api/wham/usage", headers, &body); err != nil {
		return nil, err
	}

	additional, _ := body["additional_rate_limits"].([]any)
	baseModel := "Codex"
	if len(additional) > 0 {
		if first, ok := additional[0].(map[string]any); ok {
			if name, _ := first["limit_name"].(string); name != "" {
				if idx := strings.LastIndex(name, "-"); idx > 0 {
					baseModel = name[:idx]
				}
			}
		}
	}

	var windows []Window
	if rl, ok := body["rate_limit"].(map[string]any); ok {
		windows = append(windows, extractCodexWindows(rl, baseModel)...)
	}

	accountPlan := strings.ToLower(a.Plan)
	apiPlan := strings.ToLower(asString(body["plan_type"]))
	if accountPlan == "" || accountPlan == apiPlan {
		for _, raw := range additional {
			extra, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			limitName, _ := extra["limit_name"].(string)
			rl, _ := extra["rate_limit"].(map[string]any)
			if rl != nil {
				windows = append(windows, extractCodexWindows(rl, limitName)...)
			}
		}
	}
	return windows, nil
}

func extractCodexWindows(rateLimit map[string]any, prefix string) []Window {
	var out []Window
	for _, key := range []string{"primary_window", "secondary_window"} {
		w, ok := rateLimit[key].(map[string]any)
		if !ok {
			continue
		}
		windowType := key
		if prefix != "" {
			windowType = prefix + "_" + key
		}
		var resetsAt *time.Time
		if resetAt, ok := w["reset_at"]; ok {
			if secs := asFloat(resetAt); secs > 0 {
				t := time.Unix(int64(secs), 0).UTC()
				resetsAt = &t
			}
		}
		out = append(out, Window{
			WindowType: windowType,
			Percentage: asFloat(w["used_percent"]),
			ResetsAt:   resetsAt,
		})
	}
	return out
}

var (
	codexPctPattern   = regexp.MustCompile(`(?i)([\w\s]*?)(?:usage|window|limit)?[:\s]+(\d+(?:\.\d+)?)\s*%`)
	codexResetPattern = regexp.MustCompile(`(?i)reset[s]?\s+(?:at\s+)?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?Z?)`)
)

// fetchCodexViaPTY drives `codex` interactively with `/status`, matching
// spec.md §4.5's preferred path for the default account — it yields
// labeled percentages the HTTP API doesn't expose in one shot.
func fetchCodexViaPTY() ([]Window, bool) {
	out, err := ptyrunner.InteractiveDrive(ptyrunner.InteractiveDriveConfig{
		Command:    "codex",
		Lines:      []string{"/status\r"},
		ReadyRegex: regexp.MustCompile(`(>|codex|prompt)`),
		SettleTime: 2 * time.Second,
		Timeout:    15 * time.Second,
	})
	if err != nil || out == "" {
		return nil, false
	}

	var windows []Window
	for _, m := range codexPctPattern.FindAllStringSubmatch(out, -1) {
		label := strings.ToLower(strings.TrimSpace(m[1]))
		label = strings.ReplaceAll(label, " ", "_")
		if label == "" {
			label = "primary_window"
		}
		pct, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		windows = append(windows, Window{WindowType: label, Percentage: round1(pct)})
	}
	if len(windows) == 0 {
		return nil, false
	}

	if m := codexResetPattern.FindStringSubmatch(out); m != nil {
		resetStr := m[1]
		if !strings.HasSuffix(resetStr, "Z") {
			resetStr += "Z"
		}
		if t, err := time.Parse("2006-01-02T15:04:05Z", resetStr); err == nil {
			for i := range windows {
				if windows[i].ResetsAt == nil {
					windows[i].ResetsAt = &t
				}
			}
		}
	}
	return windows, true
}

func fetchGemini(a Account) ([]Window, error) {
	token, ok := GeminiToken(a)
	if !ok {
		return nil, errNoToken
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	var body map[string]any
	if err := httpPostJSON("https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota", headers, nil, &body); err != nil {
		return nil, err
	}

	buckets, _ := body["buckets"].([]any)
	var windows []Window
	for _, raw := range buckets {
		b, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		// Skip deprecated or lower-major-version model buckets.
		if deprecated, _ := b["deprecated"].(bool); deprecated {
			continue
		}
		remaining := asFloat(b["remainingFraction"])
		windowType, _ := b["modelId"].(string)
		if windowType == "" {
			windowType = "default"
		}
		windows = append(windows, Window{
			WindowType: windowType,
			Percentage: round1((1 - remaining) * 100),
			ResetsAt:   parseTimeField(b["resetTime"]),
		})
	}
	return windows, nil
}

func defaultCodexConfig() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".codex")
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

func parseTimeField(v any) *time.Time {
	s := asString(v)
	if s == "" {
		return nil
	}
	layouts := []string{"2006-01-02T15:04:05Z", time.RFC3339}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func httpGetJSON(url string, headers map[string]string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(req, out)
}

func httpPostJSON(url string, headers map[string]string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(req, out)
}

// doJSON executes req and decodes the (possibly gzip-encoded) JSON response
// body into out. Non-2xx responses try to extract a readable error message
// from the body before returning, matching spec.md §4.9's gzip-aware error
// extraction heuristic reused here for usage-endpoint failures.
func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credential: request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err == nil {
			defer gz.Close()
			reader = gz
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(reader)
		return fmt.Errorf("credential: %s returned %d: %s", req.URL, resp.StatusCode, truncate(string(data), 200))
	}
	return json.NewDecoder(reader).Decode(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
