package ratelimit

import (
	"sync"
	"time"
)

// LocalCache mirrors provider backoff deadlines for the current process. It
// is an optimization only and is never authoritative.
type LocalCache struct {
	mu      sync.RWMutex
	backoff map[string]time.Time
}

// NewLocalCache constructs an empty cache.
func NewLocalCache() *LocalCache {
	return &LocalCache{backoff: make(map[string]time.Time)}
}

// BackoffUntil returns the cached deadline for provider if one is still in
// the future at now. Expired entries are evicted.
func (c *LocalCache) BackoffUntil(provider string, now time.Time) (time.Time, bool) {
	c.mu.RLock()
	until, ok := c.backoff[provider]
	c.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if !until.After(now) {
		c.mu.Lock()
		if current, still := c.backoff[provider]; still && current.Equal(until) {
			delete(c.backoff, provider)
		}
		c.mu.Unlock()
		return time.Time{}, false
	}
	return until, true
}

// Set records a deadline, keeping the later of the existing and new values.
func (c *LocalCache) Set(provider string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.backoff[provider]; ok && current.After(until) {
		return
	}
	c.backoff[provider] = until
}

// Clear forgets provider.
func (c *LocalCache) Clear(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.backoff, provider)
}
