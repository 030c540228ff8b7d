package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/dispatch/internal/cache"
	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/events"
	"github.com/wudi/dispatch/internal/health"
	"github.com/wudi/dispatch/internal/logging"
	"github.com/wudi/dispatch/internal/metrics"
	"github.com/wudi/dispatch/internal/ratelimit"
	"github.com/wudi/dispatch/internal/registry"
	"github.com/wudi/dispatch/internal/transform"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Now    func() time.Time
	Client *http.Client
}

// routeSet bundles the state that must stay consistent with the route
// documents: the registry, the compiled transforms, and the cache stores.
// ImportRoutes replaces the whole set in one pointer swap so in-flight
// requests keep dispatching against the set they started with.
type routeSet struct {
	registry   *registry.Registry
	transforms *transform.Engine
	cache      *cache.Manager
}

func newRouteSet(now func() time.Time) *routeSet {
	return &routeSet{
		registry:   registry.New(),
		transforms: transform.NewEngine(),
		cache:      cache.NewManager(cache.Options{Now: now}),
	}
}

// add registers a route document into the set. A transform compilation
// failure rolls the registration back.
func (s *routeSet) add(rc config.RouteConfig) (*registry.Route, error) {
	route, err := s.registry.Register(rc)
	if err != nil {
		return nil, err
	}
	if err := s.transforms.AddRoute(route.ID, route.Transform); err != nil {
		s.registry.Unregister(route.ID)
		return nil, fmt.Errorf("transform: %w", err)
	}
	s.cache.AddRoute(route.ID, route.Cache)
	return route, nil
}

func (s *routeSet) remove(id string) (*registry.Route, error) {
	route, err := s.registry.Unregister(id)
	if err != nil {
		return nil, err
	}
	s.cache.RemoveRoute(id)
	s.transforms.RemoveRoute(id)
	return route, nil
}

// Gateway wires the registry, limiter, cache, transforms, metrics, events,
// and health checker into the dispatch pipeline and exposes the operator
// surface on top of them.
type Gateway struct {
	mu             sync.RWMutex
	routes         *routeSet
	limiter        *ratelimit.Limiter
	metrics        *metrics.Aggregator
	bus            *events.Bus
	checker        *health.Checker
	invoker        dispatch.Invoker
	hooks          map[string]dispatch.HookFunc
	authValidators map[string]AuthValidator
	client         *http.Client
	targetTimeout  time.Duration
	now            func() time.Time
}

// routeSet returns the current set. The pipeline reads it once per request
// so a concurrent import never splits a request across two sets.
func (g *Gateway) routeSet() *routeSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.routes
}

// New builds a gateway from the configuration and registers its routes.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	g := &Gateway{
		routes:         newRouteSet(now),
		limiter:        ratelimit.NewLimiter(ratelimit.Options{Now: now, CleanupInterval: time.Minute}),
		metrics:        metrics.NewAggregator(),
		bus:            events.NewBus(0),
		hooks:          make(map[string]dispatch.HookFunc),
		authValidators: builtinValidators(),
		client:         client,
		targetTimeout:  cfg.Dispatch.TargetTimeout,
		now:            now,
	}

	g.checker = health.NewChecker(g, gatewayRoutes{g}, g.bus, health.Options{
		LatencyThreshold: cfg.Health.LatencyThreshold,
		Interval:         cfg.Health.Interval,
		Now:              now,
	})

	for _, rc := range cfg.Routes {
		if _, err := g.RegisterRoute(rc); err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.ID, err)
		}
	}
	return g, nil
}

// gatewayRoutes exposes the live route set to the health checker so probes
// follow registry swaps.
type gatewayRoutes struct{ g *Gateway }

func (r gatewayRoutes) List() []*registry.Route {
	return r.g.routeSet().registry.List()
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *events.Bus {
	return g.bus
}

// Metrics returns the metrics aggregator.
func (g *Gateway) Metrics() *metrics.Aggregator {
	return g.metrics
}

// Checker returns the health checker.
func (g *Gateway) Checker() *health.Checker {
	return g.checker
}

// RegisterRoute registers a route and initializes its per-route state.
// Transform compilation failures fail the registration.
func (g *Gateway) RegisterRoute(rc config.RouteConfig) (*registry.Route, error) {
	route, err := g.routeSet().add(rc)
	if err != nil {
		return nil, err
	}
	g.metrics.InitRoute(route.ID)

	logging.Info("route registered",
		zap.String("route_id", route.ID),
		zap.String("path", route.Path),
		zap.Strings("methods", route.MethodList()))
	g.bus.Emit(events.NewEvent(events.RouteRegistered, route.ID, map[string]interface{}{
		"path": route.Path,
	}))
	return route, nil
}

// UnregisterRoute removes a route and tears down its per-route state.
func (g *Gateway) UnregisterRoute(id string) error {
	route, err := g.routeSet().remove(id)
	if err != nil {
		return err
	}
	g.metrics.RemoveRoute(id)

	logging.Info("route unregistered", zap.String("route_id", id))
	g.bus.Emit(events.NewEvent(events.RouteUnregistered, id, map[string]interface{}{
		"path": route.Path,
	}))
	return nil
}

// UpdateRoute merges a partial document into a route. The transform program
// is compiled before the registry is touched so a bad expression cannot leave
// the route half-updated. Cached responses for the route are dropped.
func (g *Gateway) UpdateRoute(id string, upd config.RouteUpdate) (*registry.Route, error) {
	if upd.Transform != nil {
		if err := transform.NewEngine().AddRoute(id, *upd.Transform); err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
	}

	rs := g.routeSet()
	route, err := rs.registry.Update(id, upd)
	if err != nil {
		return nil, err
	}
	rs.transforms.AddRoute(route.ID, route.Transform)
	rs.cache.RemoveRoute(route.ID)
	rs.cache.AddRoute(route.ID, route.Cache)

	logging.Info("route updated", zap.String("route_id", id))
	g.bus.Emit(events.NewEvent(events.RouteUpdated, id, nil))
	return route, nil
}

// GetRoute returns a route's declarative document.
func (g *Gateway) GetRoute(id string) (config.RouteConfig, bool) {
	route := g.routeSet().registry.Get(id)
	if route == nil {
		return config.RouteConfig{}, false
	}
	return route.Config(), true
}

// GetRoutes returns every route document in registration order.
func (g *Gateway) GetRoutes() []config.RouteConfig {
	routes := g.routeSet().registry.List()
	result := make([]config.RouteConfig, len(routes))
	for i, route := range routes {
		result[i] = route.Config()
	}
	return result
}

// ClearCache drops cached responses for one route, or all routes when id
// is empty.
func (g *Gateway) ClearCache(id string) {
	rs := g.routeSet()
	if id == "" {
		rs.cache.ClearAll()
		return
	}
	rs.cache.Clear(id)
}

// CacheStats returns per-route cache statistics.
func (g *Gateway) CacheStats() map[string]cache.Stats {
	return g.routeSet().cache.Stats()
}

// GetMetrics returns the global metrics snapshot.
func (g *Gateway) GetMetrics() metrics.Snapshot {
	return g.metrics.Global()
}

// GetRouteMetrics returns one route's metrics snapshot.
func (g *Gateway) GetRouteMetrics(id string) (metrics.Snapshot, bool) {
	return g.metrics.Route(id)
}

// HealthCheck probes every route and returns the aggregate report.
func (g *Gateway) HealthCheck(ctx context.Context) health.Report {
	return g.checker.Check(ctx)
}

// routeExport is the JSON envelope for the export/import surface.
type routeExport struct {
	Routes []config.RouteConfig `json:"routes"`
}

// ExportRoutes serializes every route document as JSON.
func (g *Gateway) ExportRoutes() ([]byte, error) {
	return json.MarshalIndent(routeExport{Routes: g.GetRoutes()}, "", "  ")
}

// ImportRoutes replaces the full route set from a JSON export. The
// replacement set is built in isolation and swapped in atomically; on any
// error the gateway is unchanged, and requests in flight during the swap
// finish against the set they started with. Cached responses are dropped;
// metrics for routes surviving the import keep their history. Returns the
// number of routes imported.
func (g *Gateway) ImportRoutes(data []byte) (int, error) {
	var doc routeExport
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}

	next := newRouteSet(g.now)
	for _, rc := range doc.Routes {
		if _, err := next.add(rc); err != nil {
			return 0, fmt.Errorf("route %q: %w", rc.ID, err)
		}
	}

	g.mu.Lock()
	prev := g.routes
	g.routes = next
	g.mu.Unlock()

	kept := make(map[string]bool, len(doc.Routes))
	for _, rc := range doc.Routes {
		kept[rc.ID] = true
		g.metrics.InitRoute(rc.ID)
	}
	for _, route := range prev.registry.List() {
		if !kept[route.ID] {
			g.metrics.RemoveRoute(route.ID)
		}
	}

	logging.Info("routes imported", zap.Int("count", len(doc.Routes)))
	return len(doc.Routes), nil
}

// Close releases background resources.
func (g *Gateway) Close() {
	g.checker.Stop()
	g.limiter.Close()
	g.bus.Close()
}
