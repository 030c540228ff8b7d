package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/events"
	"github.com/wudi/dispatch/internal/logging"
	"github.com/wudi/dispatch/internal/registry"
)

// Status classifies a route probe result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

const (
	probeClientIP  = "127.0.0.1"
	probeUserAgent = "dispatch-health-probe/1.0"
)

// Handler dispatches a synthetic probe request through the pipeline.
type Handler interface {
	Handle(ctx context.Context, req *dispatch.Request) *dispatch.Response
}

// RouteSource lists the routes to probe. It is consulted on every sweep so
// probes always see the current route set.
type RouteSource interface {
	List() []*registry.Route
}

// RouteHealth is the probe result for one route.
type RouteHealth struct {
	RouteID    string    `json:"route_id"`
	Status     Status    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Report aggregates per-route health into an overall status.
type Report struct {
	Status    Status                 `json:"status"`
	Routes    map[string]RouteHealth `json:"routes"`
	CheckedAt time.Time              `json:"checked_at"`
}

// Options configures a Checker.
type Options struct {
	// LatencyThreshold above which a responsive route is degraded.
	// Defaults to one second.
	LatencyThreshold time.Duration

	// Interval between background sweeps. Zero disables the loop;
	// Check can still be called on demand.
	Interval time.Duration

	Now func() time.Time
}

// Checker probes registered routes through the dispatch pipeline and
// classifies each as healthy, degraded, unhealthy, or disabled.
type Checker struct {
	handler   Handler
	routes    RouteSource
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	last map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a checker over the given route source and pipeline
// handler.
func NewChecker(handler Handler, routes RouteSource, bus *events.Bus, opts Options) *Checker {
	threshold := opts.LatencyThreshold
	if threshold <= 0 {
		threshold = time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Checker{
		handler:   handler,
		routes:    routes,
		bus:       bus,
		threshold: threshold,
		interval:  opts.Interval,
		now:       now,
		last:      make(map[string]Status),
	}
}

// Check probes every registered route and returns the aggregate report.
// Disabled routes are reported but excluded from the aggregate status.
// The aggregate is unhealthy when no probed route is healthy, healthy when
// every probed route is healthy and the mean probe latency stays under the
// threshold, and degraded otherwise.
func (c *Checker) Check(ctx context.Context) Report {
	routes := c.routes.List()
	report := Report{
		Routes:    make(map[string]RouteHealth, len(routes)),
		CheckedAt: c.now(),
	}

	probed := 0
	healthy := 0
	var latencySum float64
	for _, rt := range routes {
		rh := c.probe(ctx, rt)
		report.Routes[rt.ID] = rh
		c.noteTransition(rt.ID, rh.Status)
		if rh.Status == StatusDisabled {
			continue
		}
		probed++
		latencySum += rh.LatencyMS
		if rh.Status == StatusHealthy {
			healthy++
		}
	}

	thresholdMS := float64(c.threshold) / float64(time.Millisecond)
	switch {
	case probed == 0:
		// Nothing to probe, vacuously healthy.
		report.Status = StatusHealthy
	case healthy == 0:
		report.Status = StatusUnhealthy
	case healthy == probed && latencySum/float64(probed) < thresholdMS:
		report.Status = StatusHealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}

func (c *Checker) probe(ctx context.Context, rt *registry.Route) RouteHealth {
	rh := RouteHealth{RouteID: rt.ID, CheckedAt: c.now()}
	if !rt.Enabled {
		rh.Status = StatusDisabled
		return rh
	}

	req := &dispatch.Request{
		Method:    probeMethod(rt),
		Path:      probePath(rt.Path),
		Headers:   map[string]string{},
		Query:     map[string]string{},
		ClientIP:  probeClientIP,
		UserAgent: probeUserAgent,
		RequestID: "health-" + rt.ID,
	}

	start := c.now()
	resp := c.handler.Handle(ctx, req)
	latency := c.now().Sub(start)
	rh.LatencyMS = float64(latency) / float64(time.Millisecond)

	if resp == nil {
		rh.Status = StatusUnhealthy
		return rh
	}
	rh.StatusCode = resp.Status
	// Only a 2xx probe counts as responsive; redirects and auth rejections
	// mean the route cannot serve its traffic.
	if !resp.Success() {
		rh.Status = StatusUnhealthy
		return rh
	}
	if latency > c.threshold {
		rh.Status = StatusDegraded
		return rh
	}
	rh.Status = StatusHealthy
	return rh
}

func (c *Checker) noteTransition(routeID string, status Status) {
	c.mu.Lock()
	prev, seen := c.last[routeID]
	c.last[routeID] = status
	c.mu.Unlock()

	if seen && prev != status {
		logging.Info("route health changed",
			zap.String("route_id", routeID),
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
		if c.bus != nil {
			c.bus.Emit(events.NewEvent(events.HealthChanged, routeID, map[string]interface{}{
				"from": string(prev),
				"to":   string(status),
			}))
		}
	}
}

// Start launches the periodic sweep. No-op when the interval is zero.
func (c *Checker) Start() {
	if c.interval <= 0 || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Stop cancels the periodic sweep and waits for it to exit.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// probeMethod prefers GET when the route allows it.
func probeMethod(rt *registry.Route) string {
	if rt.Methods["GET"] {
		return "GET"
	}
	methods := rt.MethodList()
	if len(methods) > 0 {
		return methods[0]
	}
	return "GET"
}

// probePath substitutes wildcard characters with a fixed probe segment so
// the synthetic request still matches the route's pattern.
func probePath(path string) string {
	path = strings.ReplaceAll(path, "*", "probe")
	return strings.ReplaceAll(path, "?", "p")
}
