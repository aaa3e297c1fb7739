package orchestrator

import (
	"regexp"
	"strconv"

	"agentctl/internal/config"
)

// DefaultCooldown is used when a rate-limit stderr line carries no
// retry-after hint (spec.md §4.8).
const DefaultCooldown = 60

// rateLimitPatterns are the backend-specific stderr signatures for a 429 /
// rate-limit condition (spec.md §4.8 "backend-specific compiled regex
// set"). Grounded verbatim on original_source's RateLimitService.
// RATE_LIMIT_PATTERNS.
var rateLimitPatterns = map[config.Backend][]*regexp.Regexp{
	config.BackendClaude: {
		regexp.MustCompile(`(?i)429`),
		regexp.MustCompile(`(?i)rate_limit_error`),
		regexp.MustCompile(`(?i)rate.limit`),
		regexp.MustCompile(`(?i)exceeded.*quota`),
	},
	config.BackendOpenCode: {
		regexp.MustCompile(`(?i)statusCode.*429`),
		regexp.MustCompile(`(?i)Rate limit exceeded`),
		regexp.MustCompile(`(?i)rate.limited`),
	},
	config.BackendGemini: {
		regexp.MustCompile(`(?i)429`),
		regexp.MustCompile(`(?i)RESOURCE_EXHAUSTED`),
		regexp.MustCompile(`(?i)rate.limit`),
		regexp.MustCompile(`(?i)quota.*exceeded`),
	},
	config.BackendCodex: {
		regexp.MustCompile(`(?i)429`),
		regexp.MustCompile(`(?i)rate_limit`),
		regexp.MustCompile(`(?i)rate.limit`),
		regexp.MustCompile(`(?i)too many requests`),
	},
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry.after.*?(\d+)`)

// CheckStderrLine reports a cooldown in seconds if line matches one of
// backend's rate-limit signatures. It extracts a retry-after value when
// present, else returns DefaultCooldown.
func CheckStderrLine(line string, backend config.Backend) (int, bool) {
	for _, p := range rateLimitPatterns[backend] {
		if !p.MatchString(line) {
			continue
		}
		if m := retryAfterPattern.FindStringSubmatch(line); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil {
				return secs, true
			}
		}
		return DefaultCooldown, true
	}
	return 0, false
}
