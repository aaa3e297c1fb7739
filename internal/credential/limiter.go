package credential

import (
	"sync"

	"golang.org/x/time/rate"
)

// fetchLimiter throttles per-backend provider usage-fetch calls so a short
// monitor poll interval can never hammer a provider's usage endpoint.
// Grounded on itskum47-FluxForge's control_plane/scheduler.TokenBucketLimiter
// (per-key rate.Limiter map behind a mutex), narrowed here to a fixed
// rate/burst since FetchUsage has no caller-supplied tuning knob.
type fetchLimiterT struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newFetchLimiter(r float64, b int) *fetchLimiterT {
	return &fetchLimiterT{
		limiters: map[string]*rate.Limiter{},
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *fetchLimiterT) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// fetchLimiter allows one fetch per backend per second, bursting to 3 —
// generous enough for normal poll cadences (spec.md §4.6 default poll
// interval is tens of seconds) while still bounding a misconfigured tight
// loop.
var fetchLimiter = newFetchLimiter(1, 3)
