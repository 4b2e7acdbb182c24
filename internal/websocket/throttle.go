package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UpgradeThrottle limits WebSocket upgrades per client IP with a token
// bucket. Counters are per process.
type UpgradeThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUpgradeThrottle allows perSecond upgrades per IP with the given burst.
// A non-positive perSecond disables throttling.
func NewUpgradeThrottle(perSecond float64, burst int) *UpgradeThrottle {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &UpgradeThrottle{
		visitors: make(map[string]*visitor),
		rate:     limit,
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether an upgrade from ip may proceed.
func (t *UpgradeThrottle) Allow(ip string) bool {
	t.mu.Lock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.visitors[ip] = v
	}
	now := t.now()
	v.lastSeen = now
	t.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Sweep removes visitors idle for longer than the idle period and returns
// how many were removed.
func (t *UpgradeThrottle) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := t.now().Add(-t.idle)
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (t *UpgradeThrottle) Run(ctx context.Context) {
	ticker := time.NewTicker(t.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Size returns the number of tracked IPs.
func (t *UpgradeThrottle) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

// clientIP strips the port from RemoteAddr. Proxy headers are resolved
// upstream by the router's RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
