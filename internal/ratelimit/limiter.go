// Package ratelimit enforces a fixed-window send quota per identity.
package ratelimit

import (
	"sync"
	"time"
)

// Default quota: 10 sends per 60 seconds.
const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
)

// Limiter counts sends per key within a fixed window. State is
// process-local; the zero value is not usable, call New.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	limit    int
	window   time.Duration
	now      func() time.Time
}

type counter struct {
	count       int
	windowStart time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing limit sends per window. Non-positive
// arguments fall back to the defaults.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		counters: make(map[string]*counter),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the number of sends allowed per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// TryConsume records one send for key and reports whether it is allowed.
// The check and the increment happen under one lock.
func (l *Limiter) TryConsume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, exists := l.counters[key]
	if !exists || now.Sub(c.windowStart) >= l.window {
		l.counters[key] = &counter{count: 1, windowStart: now}
		return true
	}

	if c.count >= l.limit {
		return false
	}

	c.count++
	return true
}

// Remaining returns how many sends key has left in its current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.live(key)
	if !ok {
		return l.limit
	}
	return l.limit - c.count
}

// ResetIn returns the time until key's window ends, zero when it has no
// live window.
func (l *Limiter) ResetIn(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.live(key)
	if !ok {
		return 0
	}
	return c.windowStart.Add(l.window).Sub(l.now())
}

// MsUntilReset is ResetIn in whole milliseconds.
func (l *Limiter) MsUntilReset(key string) int64 {
	return l.ResetIn(key).Milliseconds()
}

// Status returns Remaining and ResetIn under a single lock.
func (l *Limiter) Status(key string) (remaining int, resetIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.live(key)
	if !ok {
		return l.limit, 0
	}
	return l.limit - c.count, c.windowStart.Add(l.window).Sub(l.now())
}

// Reset forgets key's counter.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, key)
}

// Cleanup removes counters whose window has ended and returns how many it
// removed. Call periodically.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, c := range l.counters {
		if now.Sub(c.windowStart) >= l.window {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// live returns key's counter if its window has not ended. Callers hold mu.
func (l *Limiter) live(key string) (*counter, bool) {
	c, ok := l.counters[key]
	if !ok || l.now().Sub(c.windowStart) >= l.window {
		return nil, false
	}
	return c, true
}
