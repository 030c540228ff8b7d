package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/wudi/dispatch/internal/config"
)

// counter is a fixed-window counter for one (route, scope-key) pair.
// It moves fresh → accumulating → saturated and back to fresh once the
// window has elapsed. Counters are created lazily on first use.
type counter struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Descriptor carries the request attributes scope keys are derived from.
type Descriptor struct {
	ClientIP string
	UserID   string
	Path     string
}

// Decision is the admit/reject outcome for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Options configures a Limiter.
type Options struct {
	// Now overrides the clock, for deterministic window tests.
	Now func() time.Time
	// CleanupInterval is how often stale counters are swept. Zero disables
	// the sweep goroutine.
	CleanupInterval time.Duration
}

// Limiter maintains fixed-window counters keyed by route and scope. This is
// deliberately a fixed window, not token-bucket or sliding-window: traffic at
// a window boundary can admit up to twice the quota in a short interval.
type Limiter struct {
	counters *shardedMap[*counter]
	now      func() time.Time
	hits     atomic.Int64
	done     chan struct{}
}

// NewLimiter creates a limiter and, if configured, starts its sweep goroutine.
func NewLimiter(opts Options) *Limiter {
	l := &Limiter{
		counters: newShardedMap[*counter](),
		now:      opts.Now,
		done:     make(chan struct{}),
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.CleanupInterval > 0 {
		go l.cleanup(opts.CleanupInterval)
	}
	return l
}

// ScopeKey derives the counter partition key from the rule's scope selector.
func ScopeKey(rule *config.RateLimitConfig, d Descriptor) string {
	switch rule.Scope {
	case config.ScopeIP:
		return "ip:" + d.ClientIP
	case config.ScopeUser:
		user := d.UserID
		if user == "" {
			user = "anonymous"
		}
		return "user:" + user
	case config.ScopeRoute:
		return "route:" + d.Path
	default:
		return "global"
	}
}

// Check decides whether a request is admitted under the route's rule and, if
// so, consumes one unit of quota. The allow list bypasses counting; the deny
// list rejects outright. Both lists match the client IP.
func (l *Limiter) Check(routeID string, rule *config.RateLimitConfig, d Descriptor) Decision {
	now := l.now()

	for _, denied := range rule.Deny {
		if denied == d.ClientIP {
			l.hits.Add(1)
			return Decision{Allowed: false, Reset: now.Add(rule.Window())}
		}
	}
	for _, allowed := range rule.Allow {
		if allowed == d.ClientIP {
			return Decision{Allowed: true, Remaining: rule.Quota, Reset: now.Add(rule.Window())}
		}
	}

	key := routeID + "|" + ScopeKey(rule, d)
	window := rule.Window()

	s := l.counters.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[key]
	if !ok {
		c = &counter{windowStart: now, window: window}
		s.items[key] = c
	}

	// Window expired: back to fresh.
	if now.Sub(c.windowStart) >= window {
		c.count = 0
		c.windowStart = now
		c.window = window
	}

	reset := c.windowStart.Add(window)
	if c.count >= rule.Quota {
		l.hits.Add(1)
		return Decision{Allowed: false, Remaining: 0, Reset: reset}
	}

	c.count++
	return Decision{Allowed: true, Remaining: rule.Quota - c.count, Reset: reset}
}

// Hits returns the total number of rejected requests.
func (l *Limiter) Hits() int64 {
	return l.hits.Load()
}

// Counters returns the number of live counters, for introspection.
func (l *Limiter) Counters() int {
	return l.counters.len()
}

// cleanup removes counters that have been idle for at least two windows.
func (l *Limiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := l.now()
			l.counters.deleteFunc(func(_ string, c *counter) bool {
				return now.Sub(c.windowStart) > 2*c.window
			})
		}
	}
}

// Close stops the sweep goroutine.
func (l *Limiter) Close() {
	close(l.done)
}
