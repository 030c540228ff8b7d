package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wudi/dispatch/internal/config"
)

// fakeClock is a mutable clock for deterministic window tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func ipRule(quota, windowSeconds int) *config.RateLimitConfig {
	return &config.RateLimitConfig{
		Enabled:       true,
		Quota:         quota,
		WindowSeconds: windowSeconds,
		Scope:         config.ScopeIP,
	}
}

func TestQuotaEnforced(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(3, 60)
	d := Descriptor{ClientIP: "10.0.0.1"}

	for i := 0; i < 3; i++ {
		dec := l.Check("r1", rule, d)
		if !dec.Allowed {
			t.Fatalf("request %d rejected within quota", i+1)
		}
		if dec.Remaining != 3-i-1 {
			t.Fatalf("request %d remaining = %d, want %d", i+1, dec.Remaining, 3-i-1)
		}
	}

	dec := l.Check("r1", rule, d)
	if dec.Allowed {
		t.Fatal("request over quota admitted")
	}
	if dec.Remaining != 0 {
		t.Fatalf("rejected remaining = %d, want 0", dec.Remaining)
	}
	if l.Hits() != 1 {
		t.Fatalf("hits = %d, want 1", l.Hits())
	}
}

func TestWindowReset(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(1, 60)
	d := Descriptor{ClientIP: "10.0.0.1"}

	if !l.Check("r1", rule, d).Allowed {
		t.Fatal("first request rejected")
	}
	if l.Check("r1", rule, d).Allowed {
		t.Fatal("second request admitted inside the window")
	}

	clock.advance(59 * time.Second)
	if l.Check("r1", rule, d).Allowed {
		t.Fatal("request admitted one second before the reset")
	}

	clock.advance(time.Second)
	dec := l.Check("r1", rule, d)
	if !dec.Allowed {
		t.Fatal("request rejected after the window elapsed")
	}
	if want := clock.now().Add(60 * time.Second); !dec.Reset.Equal(want) {
		t.Fatalf("reset = %v, want %v", dec.Reset, want)
	}
}

func TestScopeKeys(t *testing.T) {
	tests := []struct {
		scope string
		d     Descriptor
		want  string
	}{
		{config.ScopeIP, Descriptor{ClientIP: "1.2.3.4"}, "ip:1.2.3.4"},
		{config.ScopeUser, Descriptor{UserID: "alice"}, "user:alice"},
		{config.ScopeUser, Descriptor{}, "user:anonymous"},
		{config.ScopeRoute, Descriptor{Path: "/api/users"}, "route:/api/users"},
		{config.ScopeGlobal, Descriptor{ClientIP: "1.2.3.4"}, "global"},
		{"", Descriptor{ClientIP: "1.2.3.4"}, "global"},
	}
	for _, tt := range tests {
		rule := &config.RateLimitConfig{Scope: tt.scope}
		if got := ScopeKey(rule, tt.d); got != tt.want {
			t.Errorf("ScopeKey(%q, %+v) = %q, want %q", tt.scope, tt.d, got, tt.want)
		}
	}
}

func TestScopesCountIndependently(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(1, 60)

	if !l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.1"}).Allowed {
		t.Fatal("first ip rejected")
	}
	if !l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.2"}).Allowed {
		t.Fatal("second ip should have a separate counter")
	}
	if l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.1"}).Allowed {
		t.Fatal("first ip admitted over quota")
	}
}

func TestRoutesCountIndependently(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(1, 60)
	d := Descriptor{ClientIP: "10.0.0.1"}

	if !l.Check("r1", rule, d).Allowed {
		t.Fatal("r1 rejected")
	}
	if !l.Check("r2", rule, d).Allowed {
		t.Fatal("r2 should have a separate counter")
	}
}

func TestAllowAndDenyLists(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(1, 60)
	rule.Allow = []string{"10.0.0.9"}
	rule.Deny = []string{"10.0.0.66"}

	// Denied regardless of quota.
	if l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.66"}).Allowed {
		t.Fatal("denied ip admitted")
	}
	if l.Hits() != 1 {
		t.Fatalf("hits = %d, want 1", l.Hits())
	}

	// Allowed list bypasses counting entirely.
	for i := 0; i < 5; i++ {
		if !l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.9"}).Allowed {
			t.Fatalf("allow-listed ip rejected on request %d", i+1)
		}
	}

	// The bypass consumed no quota for others.
	if !l.Check("r1", rule, Descriptor{ClientIP: "10.0.0.1"}).Allowed {
		t.Fatal("ordinary ip rejected with untouched quota")
	}
}

func TestCleanupDropsIdleCounters(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(10, 60)
	for i := 0; i < 8; i++ {
		l.Check("r1", rule, Descriptor{ClientIP: fmt.Sprintf("10.0.0.%d", i)})
	}
	if l.Counters() != 8 {
		t.Fatalf("counters = %d, want 8", l.Counters())
	}

	clock.advance(3 * time.Minute)
	l.counters.deleteFunc(func(_ string, c *counter) bool {
		return clock.now().Sub(c.windowStart) > 2*c.window
	})
	if l.Counters() != 0 {
		t.Fatalf("counters = %d after sweep, want 0", l.Counters())
	}
}

func TestConcurrentChecks(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Options{Now: clock.now})
	defer l.Close()

	rule := ipRule(100, 60)
	d := Descriptor{ClientIP: "10.0.0.1"}

	var wg sync.WaitGroup
	admitted := make([]int, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Check("r1", rule, d).Allowed {
					admitted[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range admitted {
		total += n
	}
	if total != 100 {
		t.Fatalf("admitted %d requests under a quota of 100", total)
	}
}
