package integration

import (
	"sync"
	"time"
)

// cooldowns tracks per-scope rate-limit holds in worker memory. The store
// also gets a notBefore hint through finalize, but the in-process table stops
// this worker from hammering claim queries for a scope it already knows is
// rate limited.
type cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{until: map[string]time.Time{}}
}

func (c *cooldowns) set(scope string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[scope] = time.Now().Add(d)
}

func (c *cooldowns) ready(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.until[scope]
	if !ok {
		return true
	}
	if time.Now().Before(t) {
		return false
	}
	delete(c.until, scope)
	return true
}
