package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
)

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

func getRequest(path string) *dispatch.Request {
	return &dispatch.Request{Method: "GET", Path: path}
}

func okResponse(body string) *dispatch.Response {
	return &dispatch.Response{Status: 200, Body: []byte(body)}
}

func TestBuildKey(t *testing.T) {
	req := getRequest("/api/users")
	req.Query = map[string]string{"page": "2", "size": "10"}
	req.SetHeader("Accept-Language", "de")

	tests := []struct {
		name string
		rule config.CacheConfig
		want string
	}{
		{
			name: "no vary dimensions",
			rule: config.CacheConfig{},
			want: "r1:GET:/api/users",
		},
		{
			name: "vary header present",
			rule: config.CacheConfig{VaryHeaders: []string{"Accept-Language"}},
			want: "r1:GET:/api/users:Accept-Language=de",
		},
		{
			name: "vary header absent contributes nothing",
			rule: config.CacheConfig{VaryHeaders: []string{"Authorization"}},
			want: "r1:GET:/api/users",
		},
		{
			name: "vary query in rule order",
			rule: config.CacheConfig{VaryQuery: []string{"size", "page"}},
			want: "r1:GET:/api/users:size=10:page=2",
		},
		{
			name: "headers before query",
			rule: config.CacheConfig{
				VaryHeaders: []string{"Accept-Language"},
				VaryQuery:   []string{"page"},
			},
			want: "r1:GET:/api/users:Accept-Language=de:page=2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildKey("r1", &tt.rule, req); got != tt.want {
				t.Errorf("BuildKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPutGet(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60})

	m.Put("r1", "r1:GET:/a", okResponse("hello"))

	resp, ok := m.Get("r1", "r1:GET:/a")
	if !ok {
		t.Fatal("expected hit")
	}
	if !resp.Cached {
		t.Fatal("hit should be flagged cached")
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("body = %q", resp.Body)
	}

	if _, ok := m.Get("r1", "r1:GET:/b"); ok {
		t.Fatal("unexpected hit for different key")
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60})

	m.Put("r1", "k", okResponse("x"))

	clock.advance(59 * time.Second)
	if _, ok := m.Get("r1", "k"); !ok {
		t.Fatal("entry expired early")
	}

	clock.advance(2 * time.Second)
	if _, ok := m.Get("r1", "k"); ok {
		t.Fatal("entry live past its TTL")
	}
}

func TestDisabledRuleHasNoStore(t *testing.T) {
	m := NewManager(Options{})
	m.AddRoute("r1", config.CacheConfig{Enabled: false, TTL: 60})

	if m.Rule("r1") != nil {
		t.Fatal("disabled rule should not create a store")
	}
	m.Put("r1", "k", okResponse("x"))
	if _, ok := m.Get("r1", "k"); ok {
		t.Fatal("put on disabled route stored an entry")
	}
}

func TestClear(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60})
	m.AddRoute("r2", config.CacheConfig{Enabled: true, TTL: 60})

	m.Put("r1", "a", okResponse("1"))
	m.Put("r2", "b", okResponse("2"))

	m.Clear("r1")
	if _, ok := m.Get("r1", "a"); ok {
		t.Fatal("r1 entry survived Clear")
	}
	if _, ok := m.Get("r2", "b"); !ok {
		t.Fatal("r2 entry flushed by Clear(r1)")
	}

	m.ClearAll()
	if _, ok := m.Get("r2", "b"); ok {
		t.Fatal("r2 entry survived ClearAll")
	}
}

func TestRemoveRoute(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60})
	m.Put("r1", "k", okResponse("x"))

	m.RemoveRoute("r1")
	if _, ok := m.Get("r1", "k"); ok {
		t.Fatal("entry survived RemoveRoute")
	}
	if m.Rule("r1") != nil {
		t.Fatal("rule survived RemoveRoute")
	}
}

func TestStoredResponseIsIsolated(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60})

	original := okResponse("x")
	original.Headers = map[string]string{"Content-Type": "text/plain"}
	m.Put("r1", "k", original)

	// Mutating the caller's response must not reach the cache.
	original.Headers["Content-Type"] = "mutated"

	resp, ok := m.Get("r1", "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if resp.Headers["Content-Type"] != "text/plain" {
		t.Fatalf("cached entry shares state with caller: %q", resp.Headers["Content-Type"])
	}

	// And mutating a served hit must not poison later hits.
	resp.Headers["Content-Type"] = "mutated"
	again, _ := m.Get("r1", "k")
	if again.Headers["Content-Type"] != "text/plain" {
		t.Fatal("served hit shares state with cache entry")
	}
}

func TestMaxEntriesEvicts(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Now: clock.now})
	m.AddRoute("r1", config.CacheConfig{Enabled: true, TTL: 60, MaxEntries: 2})

	m.Put("r1", "a", okResponse("1"))
	m.Put("r1", "b", okResponse("2"))
	m.Put("r1", "c", okResponse("3"))

	stats := m.Stats()["r1"]
	if stats.Size != 2 {
		t.Fatalf("size = %d, want 2", stats.Size)
	}
	if _, ok := m.Get("r1", "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}
