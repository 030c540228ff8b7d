package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/wudi/dispatch/internal/config"
)

// Registration errors. Absence on lookup is a normal outcome and is reported
// by a nil result, not an error.
var (
	ErrDuplicateID   = errors.New("duplicate route id")
	ErrDuplicatePath = errors.New("duplicate route path")
	ErrNotFound      = errors.New("route not found")
)

// Route is a registered route. Routes are immutable snapshots: Update replaces
// the whole object, so a pointer obtained from Find or Get stays consistent
// for the lifetime of a request.
type Route struct {
	ID        string
	Name      string
	Path      string
	Methods   map[string]bool
	Priority  int
	Enabled   bool
	Target    config.TargetConfig
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Transform config.TransformConfig

	methodList []string
	pattern    *regexp.Regexp // non-nil only for wildcard paths
	configIdx  int            // insertion order for wildcard scan
}

// Wildcard reports whether this route's path contains wildcards.
func (r *Route) Wildcard() bool {
	return r.pattern != nil
}

// MethodList returns the allowed methods in declaration order.
func (r *Route) MethodList() []string {
	return append([]string(nil), r.methodList...)
}

// Config rebuilds the declarative route document for export.
func (r *Route) Config() config.RouteConfig {
	enabled := r.Enabled
	return config.RouteConfig{
		ID:        r.ID,
		Name:      r.Name,
		Path:      r.Path,
		Methods:   append([]string(nil), r.methodList...),
		Priority:  r.Priority,
		Enabled:   &enabled,
		Target:    r.Target,
		Auth:      r.Auth,
		RateLimit: r.RateLimit,
		Cache:     r.Cache,
		Transform: r.Transform,
	}
}

// newRoute builds a Route from a validated route document.
func newRoute(rc config.RouteConfig, idx int) (*Route, error) {
	methods := make(map[string]bool, len(rc.Methods))
	methodList := make([]string, 0, len(rc.Methods))
	for _, m := range rc.Methods {
		m = strings.ToUpper(m)
		if !methods[m] {
			methods[m] = true
			methodList = append(methodList, m)
		}
	}

	pattern, err := compileWildcard(rc.Path)
	if err != nil {
		return nil, err
	}

	return &Route{
		ID:         rc.ID,
		Name:       rc.Name,
		Path:       rc.Path,
		Methods:    methods,
		Priority:   rc.Priority,
		Enabled:    rc.IsEnabled(),
		Target:     rc.Target,
		Auth:       rc.Auth,
		RateLimit:  rc.RateLimit,
		Cache:      rc.Cache,
		Transform:  rc.Transform,
		methodList: methodList,
		pattern:    pattern,
		configIdx:  idx,
	}, nil
}

// compileWildcard translates a wildcard path pattern into an anchored regexp:
// '*' matches any run of characters, '?' matches a single character. Returns
// nil for paths without wildcards.
func compileWildcard(path string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(path, "*?") {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(path[i : i+1]))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// exactKey builds the exact-match index key for a (method, path) pair.
func exactKey(method, path string) string {
	return method + ":" + path
}

// Registry owns the set of configured routes. Lookup prefers the exact
// method:path index; wildcard routes are resolved by a linear scan in
// registration order.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Route
	exact   map[string]*Route
	order   []*Route
	nextIdx int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[string]*Route),
		exact: make(map[string]*Route),
	}
}

// Register adds a route. It fails with ErrDuplicateID if the id exists and
// with ErrDuplicatePath if any method:path index entry collides; on failure
// the registry is left unchanged.
func (reg *Registry) Register(rc config.RouteConfig) (*Route, error) {
	if err := config.ValidateRoute(&rc); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[rc.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rc.ID)
	}

	route, err := newRoute(rc, reg.nextIdx)
	if err != nil {
		return nil, err
	}

	for _, m := range route.methodList {
		if other, exists := reg.exact[exactKey(m, route.Path)]; exists {
			return nil, fmt.Errorf("%w: %s %s already registered by route %s",
				ErrDuplicatePath, m, route.Path, other.ID)
		}
	}

	reg.insertLocked(route)
	reg.nextIdx++
	return route, nil
}

// insertLocked indexes a route. Callers must hold the write lock and have
// verified there is no id or path collision.
func (reg *Registry) insertLocked(route *Route) {
	reg.byID[route.ID] = route
	for _, m := range route.methodList {
		reg.exact[exactKey(m, route.Path)] = route
	}
	reg.order = append(reg.order, route)
}

// Unregister removes a route and all its index entries. Fails with
// ErrNotFound if the id is absent. Returns the removed route.
func (reg *Registry) Unregister(id string) (*Route, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	route, exists := reg.byID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	reg.removeLocked(route)
	return route, nil
}

func (reg *Registry) removeLocked(route *Route) {
	delete(reg.byID, route.ID)
	for _, m := range route.methodList {
		delete(reg.exact, exactKey(m, route.Path))
	}
	for i, r := range reg.order {
		if r.ID == route.ID {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// Update merges a partial document into the route and re-indexes it if path
// or methods changed. A re-index collision fails the update and leaves the
// registry unchanged.
func (reg *Registry) Update(id string, upd config.RouteUpdate) (*Route, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	old, exists := reg.byID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rc := old.Config()
	if upd.Name != nil {
		rc.Name = *upd.Name
	}
	if upd.Path != nil {
		rc.Path = *upd.Path
	}
	if upd.Methods != nil {
		rc.Methods = upd.Methods
	}
	if upd.Priority != nil {
		rc.Priority = *upd.Priority
	}
	if upd.Enabled != nil {
		rc.Enabled = upd.Enabled
	}
	if upd.Target != nil {
		rc.Target = *upd.Target
	}
	if upd.Auth != nil {
		rc.Auth = *upd.Auth
	}
	if upd.RateLimit != nil {
		rc.RateLimit = *upd.RateLimit
	}
	if upd.Cache != nil {
		rc.Cache = *upd.Cache
	}
	if upd.Transform != nil {
		rc.Transform = *upd.Transform
	}

	if err := config.ValidateRoute(&rc); err != nil {
		return nil, err
	}

	route, err := newRoute(rc, old.configIdx)
	if err != nil {
		return nil, err
	}

	// Collision check against everything except the route being replaced.
	for _, m := range route.methodList {
		if other, exists := reg.exact[exactKey(m, route.Path)]; exists && other.ID != id {
			return nil, fmt.Errorf("%w: %s %s already registered by route %s",
				ErrDuplicatePath, m, route.Path, other.ID)
		}
	}

	for _, m := range old.methodList {
		delete(reg.exact, exactKey(m, old.Path))
	}
	for _, m := range route.methodList {
		reg.exact[exactKey(m, route.Path)] = route
	}
	reg.byID[id] = route
	for i, r := range reg.order {
		if r.ID == id {
			reg.order[i] = route
			break
		}
	}
	return route, nil
}

// Find returns the route matching the request, or nil. An exact-index hit is
// always preferred; on miss, routes are scanned in registration order and the
// first whose methods contain method and whose wildcard pattern matches path
// wins.
func (reg *Registry) Find(method, path string) *Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if route, ok := reg.exact[exactKey(method, path)]; ok {
		return route
	}

	for _, route := range reg.order {
		if route.pattern == nil {
			continue
		}
		if route.Methods[method] && route.pattern.MatchString(path) {
			return route
		}
	}
	return nil
}

// Get returns a route by id, or nil.
func (reg *Registry) Get(id string) *Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.byID[id]
}

// List returns all routes in registration order.
func (reg *Registry) List() []*Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	result := make([]*Route, len(reg.order))
	copy(result, reg.order)
	return result
}

// Len returns the number of registered routes.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byID)
}
