package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
)

// defaultMaxEntries bounds a route store when the rule does not set one.
const defaultMaxEntries = 1024

// Entry is a cached response with its expiry timestamp.
type Entry struct {
	Response  *dispatch.Response
	ExpiresAt time.Time
	RouteID   string
}

// store holds entries for a single route, bounded by an expirable LRU sized
// and aged per the route's cache rule.
type store struct {
	lru  *expirable.LRU[string, *Entry]
	rule config.CacheConfig
	ttl  time.Duration
}

// Stats contains per-route cache statistics.
type Stats struct {
	Size    int   `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	MaxSize int   `json:"max_size"`
}

// Options configures a Manager.
type Options struct {
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Manager owns per-route response caches. Stores are created when a route
// with caching enabled is registered and destroyed at unregistration.
type Manager struct {
	mu     sync.RWMutex
	stores map[string]*store
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager creates an empty cache manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		stores: make(map[string]*store),
		now:    opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// BuildKey composes the deterministic cache key: routeId:method:path, then
// one :<header>=<value> per configured vary-by header present on the request
// (in rule-declared order), then one :<param>=<value> per configured vary-by
// query parameter present. Absent dimensions contribute nothing.
func BuildKey(routeID string, rule *config.CacheConfig, req *dispatch.Request) string {
	var b strings.Builder
	b.WriteString(routeID)
	b.WriteByte(':')
	b.WriteString(req.Method)
	b.WriteByte(':')
	b.WriteString(req.Path)

	for _, h := range rule.VaryHeaders {
		if v := req.Header(h); v != "" {
			b.WriteByte(':')
			b.WriteString(h)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	for _, q := range rule.VaryQuery {
		if v, ok := req.Query[q]; ok && v != "" {
			b.WriteByte(':')
			b.WriteString(q)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// AddRoute creates the store for a route with caching enabled.
func (m *Manager) AddRoute(routeID string, rule config.CacheConfig) {
	if !rule.Enabled {
		return
	}

	maxEntries := rule.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	ttl := time.Duration(rule.TTL) * time.Second

	m.mu.Lock()
	m.stores[routeID] = &store{
		lru:  expirable.NewLRU[string, *Entry](maxEntries, nil, ttl),
		rule: rule,
		ttl:  ttl,
	}
	m.mu.Unlock()
}

// RemoveRoute destroys a route's store.
func (m *Manager) RemoveRoute(routeID string) {
	m.mu.Lock()
	delete(m.stores, routeID)
	m.mu.Unlock()
}

// Rule returns the cache rule for a route, or nil when the route has no
// store.
func (m *Manager) Rule(routeID string) *config.CacheConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stores[routeID]; ok {
		rule := s.rule
		return &rule
	}
	return nil
}

// Get returns a live cached response, or a miss. Expired entries are evicted
// lazily on read.
func (m *Manager) Get(routeID, key string) (*dispatch.Response, bool) {
	m.mu.RLock()
	s, ok := m.stores[routeID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry, ok := s.lru.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if m.now().After(entry.ExpiresAt) {
		s.lru.Remove(key)
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	resp := entry.Response.Clone()
	resp.Cached = true
	return resp, true
}

// Put stores a response, unconditionally overwriting any entry under the
// same key. The entry expires after the rule's TTL.
func (m *Manager) Put(routeID, key string, resp *dispatch.Response) {
	m.mu.RLock()
	s, ok := m.stores[routeID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.lru.Add(key, &Entry{
		Response:  resp.Clone(),
		ExpiresAt: m.now().Add(s.ttl),
		RouteID:   routeID,
	})
}

// Clear flushes a single route's entries.
func (m *Manager) Clear(routeID string) {
	m.mu.RLock()
	s, ok := m.stores[routeID]
	m.mu.RUnlock()
	if ok {
		s.lru.Purge()
	}
}

// ClearAll flushes every route's entries.
func (m *Manager) ClearAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.stores {
		s.lru.Purge()
	}
}

// Stats returns per-route cache statistics. Hit and miss counters are
// manager-wide and reported on every route's entry.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	result := make(map[string]Stats, len(m.stores))
	for id, s := range m.stores {
		maxEntries := s.rule.MaxEntries
		if maxEntries <= 0 {
			maxEntries = defaultMaxEntries
		}
		result[id] = Stats{
			Size:    s.lru.Len(),
			Hits:    hits,
			Misses:  misses,
			MaxSize: maxEntries,
		}
	}
	return result
}
