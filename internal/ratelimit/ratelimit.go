// Package ratelimit bounds how fast each agent may submit changes and
// tasks. Limits are fixed windows: cheap, and coarse enough for a small
// static agent set.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts requests against a single fixed window.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New returns a Limiter admitting rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow consumes one slot, first resetting the count if the window has
// elapsed. It reports whether the request stays within the budget.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// idle reports whether the limiter's window has fully elapsed, making the
// entry safe to drop.
func (l *Limiter) idle(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.windowStart) > l.window
}

// Keyed tracks an independent fixed-window Limiter per key (one per agent).
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     int
	window   time.Duration
}

// NewKeyed creates a per-key limiter allowing rate requests per window for
// each key.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		window:   window,
	}
}

// Allow returns true if the key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.rate, k.window)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Cleanup removes entries whose window has expired. Call periodically; the
// agent set is small and static, so this mostly guards tests and reloads.
func (k *Keyed) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for key, l := range k.limiters {
		if l.idle(now) {
			delete(k.limiters, key)
		}
	}
}
