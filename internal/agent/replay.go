package agent

import (
	"context"
	"sync"
	"time"
)

// ReplayCache remembers recently accepted signatures so that a captured
// (agent, timestamp, body, signature) tuple cannot be presented twice while
// it still verifies. Entries older than the retention period are pruned; a
// timestamp dated a full window in the future verifies until another window
// after that, so retention must be at least twice the verifier's window or
// replays slip through after eviction.
type ReplayCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// NewReplayCache creates a cache that retains signatures for the given
// duration.
func NewReplayCache(retention time.Duration) *ReplayCache {
	return &ReplayCache{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

// Mark records a signature. It returns false if the signature was already
// present, meaning the request is a replay.
func (c *ReplayCache) Mark(sig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[sig]; ok {
		return false
	}
	c.seen[sig] = c.clock()
	return true
}

// Prune drops entries older than the retention period and returns the number
// removed.
func (c *ReplayCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clock().Add(-c.retention)
	n := 0
	for sig, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, sig)
			n++
		}
	}
	return n
}

func (c *ReplayCache) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Run prunes periodically until the context is cancelled.
func (c *ReplayCache) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			c.Prune()
		}
	}
}
