// Package cache is the per-fingerprint usage-fetch dedup store used by
// internal/ratemonitor (spec.md §4.6: "if already fetched this tick,
// reuse"). It is a small in-process TTL cache behind a narrow interface so
// a shared backing (e.g. github.com/redis/go-redis/v9, used by
// itskum47-FluxForge) could stand in for it without callers changing —
// not required here since this exercise runs as a single process, but kept
// swappable rather than a bare map for that reason.
package cache

import (
	"sync"
	"time"
)

// Cache is the interface ratemonitor.Monitor depends on.
type Cache interface {
	Get(key string) (value any, ok bool)
	Set(key string, value any, ttl time.Duration)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is the default in-process Cache implementation.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New builds an empty TTLCache.
func New() *TTLCache {
	return &TTLCache{entries: map[string]entry{}}
}

// Get returns the value stored for key, if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Len reports the number of entries, including any not yet lazily expired.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
