package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome describes one terminal dispatch result.
type Outcome struct {
	RouteID     string
	Method      string
	Status      int
	Success     bool
	Cached      bool
	RateLimited bool
	AuthFailed  bool
	Latency     time.Duration
}

// Snapshot is a point-in-time view of one stats instance.
type Snapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	RateLimitHits      int64   `json:"rate_limit_hits"`
	AuthFailures       int64   `json:"auth_failures"`
	CacheHits          int64   `json:"cache_hits"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	AvgResponseTimeMS  float64 `json:"avg_response_time_ms"`
}

// stats holds running counters and the incremental mean for one scope.
type stats struct {
	total         int64
	success       int64
	fail          int64
	rateLimitHits int64
	authFailures  int64
	cacheHits     int64
	avgMS         float64
}

func (s *stats) record(o Outcome) {
	s.total++
	if o.Success {
		s.success++
	} else {
		s.fail++
	}
	if o.RateLimited {
		s.rateLimitHits++
	}
	if o.AuthFailed {
		s.authFailures++
	}
	if o.Cached {
		s.cacheHits++
	}
	// Incremental mean; cache hits contribute their (short) latency too.
	ms := float64(o.Latency) / float64(time.Millisecond)
	s.avgMS = (s.avgMS*float64(s.total-1) + ms) / float64(s.total)
}

func (s *stats) snapshot() Snapshot {
	snap := Snapshot{
		TotalRequests:      s.total,
		SuccessfulRequests: s.success,
		FailedRequests:     s.fail,
		RateLimitHits:      s.rateLimitHits,
		AuthFailures:       s.authFailures,
		CacheHits:          s.cacheHits,
		AvgResponseTimeMS:  s.avgMS,
	}
	if s.total > 0 {
		snap.CacheHitRate = float64(s.cacheHits) / float64(s.total)
	}
	return snap
}

// Aggregator maintains running counters and incremental averages, one global
// instance and one per route. Route entries are created at registration and
// destroyed at unregistration; recording against an unknown route id (the
// failure fallback) creates its entry lazily.
type Aggregator struct {
	mu     sync.Mutex
	global stats
	routes map[string]*stats

	reg           *prometheus.Registry
	promRequests  *prometheus.CounterVec
	promDuration  *prometheus.HistogramVec
	promCacheHits *prometheus.CounterVec
	promRateLimit prometheus.Counter
	promAuthFail  prometheus.Counter
}

// NewAggregator creates an aggregator with its own Prometheus registry.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		routes: make(map[string]*stats),
		reg:    prometheus.NewRegistry(),
		promRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_requests_total",
				Help: "Total number of dispatched requests",
			},
			[]string{"route", "method", "status"},
		),
		promDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		promCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_cache_hits_total",
				Help: "Total cache hits",
			},
			[]string{"route"},
		),
		promRateLimit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_rate_limit_hits_total",
				Help: "Total rate limited requests",
			},
		),
		promAuthFail: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_auth_failures_total",
				Help: "Total authentication failures",
			},
		),
	}

	a.reg.MustRegister(a.promRequests, a.promDuration, a.promCacheHits,
		a.promRateLimit, a.promAuthFail)
	return a
}

// InitRoute creates a zeroed per-route stats entry.
func (a *Aggregator) InitRoute(routeID string) {
	a.mu.Lock()
	if _, ok := a.routes[routeID]; !ok {
		a.routes[routeID] = &stats{}
	}
	a.mu.Unlock()
}

// RemoveRoute destroys a route's stats entry.
func (a *Aggregator) RemoveRoute(routeID string) {
	a.mu.Lock()
	delete(a.routes, routeID)
	a.mu.Unlock()
}

// Record applies one terminal outcome to the global and per-route stats.
func (a *Aggregator) Record(o Outcome) {
	a.mu.Lock()
	a.global.record(o)
	rs, ok := a.routes[o.RouteID]
	if !ok {
		rs = &stats{}
		a.routes[o.RouteID] = rs
	}
	rs.record(o)
	a.mu.Unlock()

	a.promRequests.WithLabelValues(o.RouteID, o.Method, strconv.Itoa(o.Status)).Inc()
	a.promDuration.WithLabelValues(o.RouteID).Observe(o.Latency.Seconds())
	if o.Cached {
		a.promCacheHits.WithLabelValues(o.RouteID).Inc()
	}
	if o.RateLimited {
		a.promRateLimit.Inc()
	}
	if o.AuthFailed {
		a.promAuthFail.Inc()
	}
}

// Global returns the global snapshot.
func (a *Aggregator) Global() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global.snapshot()
}

// Route returns a single route's snapshot.
func (a *Aggregator) Route(routeID string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs, ok := a.routes[routeID]
	if !ok {
		return Snapshot{}, false
	}
	return rs.snapshot(), true
}

// Routes returns snapshots for every tracked route.
func (a *Aggregator) Routes() map[string]Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make(map[string]Snapshot, len(a.routes))
	for id, rs := range a.routes {
		result[id] = rs.snapshot()
	}
	return result
}

// Handler returns the Prometheus exposition handler for this aggregator.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})
}
