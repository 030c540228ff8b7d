package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	dispatcherrors "github.com/wudi/dispatch/internal/errors"

	"github.com/wudi/dispatch/internal/cache"
	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/events"
	"github.com/wudi/dispatch/internal/logging"
	"github.com/wudi/dispatch/internal/metrics"
	"github.com/wudi/dispatch/internal/ratelimit"
	"github.com/wudi/dispatch/internal/registry"
)

// unknownRoute is the metrics bucket for requests that never matched a route
// or failed inside the recovery boundary before one was resolved.
const unknownRoute = "unknown"

// outcome carries the per-request flags folded into metrics at the end of
// the pipeline.
type outcome struct {
	success     bool
	cached      bool
	rateLimited bool
	authFailed  bool
}

// Handle runs a request through the dispatch pipeline: match, enabled check,
// auth, rate limit, cache lookup, request transform, target invocation,
// response transform, cache store. Each stage either passes the request on
// or short-circuits with a terminal response. A panic anywhere inside is
// converted to a 500.
func (g *Gateway) Handle(ctx context.Context, req *dispatch.Request) (resp *dispatch.Response) {
	start := g.now()
	rs := g.routeSet()
	var route *registry.Route

	defer func() {
		if r := recover(); r != nil {
			routeID := unknownRoute
			if route != nil {
				routeID = route.ID
			}
			logging.Error("panic during dispatch",
				zap.String("route_id", routeID),
				zap.String("path", req.Path),
				zap.Any("panic", r))
			resp = dispatch.ErrorResponse(http.StatusInternalServerError, "Internal Server Error")
			resp.RouteID = routeID
			g.finish(routeID, req, resp, start, outcome{})
			g.bus.Emit(events.NewEvent(events.RequestError, routeID, map[string]interface{}{
				"panic": fmt.Sprint(r),
				"path":  req.Path,
			}))
		}
	}()

	// Stage 1: route match.
	route = rs.registry.Find(req.Method, req.Path)
	if route == nil {
		resp = errorToResponse(dispatcherrors.ErrRouteNotFound)
		g.finish(unknownRoute, req, resp, start, outcome{})
		return resp
	}

	// Stage 2: enabled check.
	if !route.Enabled {
		resp = errorToResponse(dispatcherrors.ErrRouteDisabled)
		resp.RouteID = route.ID
		g.finish(route.ID, req, resp, start, outcome{})
		return resp
	}

	// Stage 3: authentication.
	identity, err := g.authenticate(ctx, req, &route.Auth)
	if err != nil {
		logging.Debug("authentication failed",
			zap.String("route_id", route.ID),
			zap.Error(err))
		resp = errorToResponse(dispatcherrors.ErrUnauthorized)
		resp.RouteID = route.ID
		g.finish(route.ID, req, resp, start, outcome{authFailed: true})
		return resp
	}
	if identity != nil {
		req = req.Clone()
		req.UserID = identity.UserID
		req.Roles = identity.Roles
	}

	// Stage 4: rate limit.
	var decision *ratelimit.Decision
	if route.RateLimit.Enabled {
		d := g.limiter.Check(route.ID, &route.RateLimit, ratelimit.Descriptor{
			ClientIP: req.ClientIP,
			UserID:   req.UserID,
			Path:     req.Path,
		})
		if !d.Allowed {
			resp = errorToResponse(dispatcherrors.ErrTooManyRequests)
			resp.RouteID = route.ID
			setRateLimitHeaders(resp, &route.RateLimit, &d, g.now())
			g.finish(route.ID, req, resp, start, outcome{rateLimited: true})
			g.bus.Emit(events.NewEvent(events.RateLimitHit, route.ID, map[string]interface{}{
				"client_ip": req.ClientIP,
				"scope":     route.RateLimit.Scope,
			}))
			return resp
		}
		decision = &d
	}

	// Stage 5: cache lookup.
	var cacheKey string
	if rule := rs.cache.Rule(route.ID); rule != nil {
		cacheKey = cache.BuildKey(route.ID, rule, req)
		if cached, ok := rs.cache.Get(route.ID, cacheKey); ok {
			cached.RouteID = route.ID
			if decision != nil {
				setRateLimitHeaders(cached, &route.RateLimit, decision, g.now())
			}
			g.finish(route.ID, req, cached, start, outcome{success: true, cached: true})
			return cached
		}
	}

	// Stage 6: request transform.
	req = rs.transforms.ApplyRequest(route.ID, req)

	// Stage 7: target invocation.
	resp, err = g.invokeTarget(ctx, route, req)
	if err != nil {
		resp = errorToResponse(asDispatchError(err))
		resp.RouteID = route.ID
		g.finish(route.ID, req, resp, start, outcome{})
		g.bus.Emit(events.NewEvent(events.RequestError, route.ID, map[string]interface{}{
			"status": resp.Status,
			"error":  err.Error(),
		}))
		return resp
	}

	// Stage 8: response transform.
	resp = rs.transforms.ApplyResponse(route.ID, resp)

	// Stage 9: cache store, successful responses only.
	if cacheKey != "" && resp.Success() {
		rs.cache.Put(route.ID, cacheKey, resp)
	}

	resp.RouteID = route.ID
	if decision != nil {
		setRateLimitHeaders(resp, &route.RateLimit, decision, g.now())
	}
	g.finish(route.ID, req, resp, start, outcome{success: resp.Success()})
	return resp
}

// finish folds the terminal result into metrics and emits the request event.
func (g *Gateway) finish(routeID string, req *dispatch.Request, resp *dispatch.Response, start time.Time, o outcome) {
	latency := g.now().Sub(start)
	g.metrics.Record(metrics.Outcome{
		RouteID:     routeID,
		Method:      req.Method,
		Status:      resp.Status,
		Success:     o.success,
		Cached:      o.cached,
		RateLimited: o.rateLimited,
		AuthFailed:  o.authFailed,
		Latency:     latency,
	})
	if o.success {
		g.bus.Emit(events.NewEvent(events.RequestSuccess, routeID, map[string]interface{}{
			"status":     resp.Status,
			"latency_ms": float64(latency) / float64(time.Millisecond),
			"cached":     o.cached,
		}))
	}
}

// setRateLimitHeaders annotates a response with the standard limit headers.
// Retry-After is added on rejections only.
func setRateLimitHeaders(resp *dispatch.Response, rule *config.RateLimitConfig, d *ratelimit.Decision, now time.Time) {
	resp.SetHeader("X-RateLimit-Limit", strconv.Itoa(rule.Quota))
	resp.SetHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	resp.SetHeader("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		retry := int(d.Reset.Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		resp.SetHeader("Retry-After", strconv.Itoa(retry))
	}
}

// errorToResponse converts a dispatch error into its wire response.
func errorToResponse(de *dispatcherrors.DispatchError) *dispatch.Response {
	return dispatch.ErrorResponse(de.Code, de.Message)
}

// asDispatchError normalizes target errors; anything unrecognized becomes a
// bad gateway.
func asDispatchError(err error) *dispatcherrors.DispatchError {
	var de *dispatcherrors.DispatchError
	if errors.As(err, &de) {
		return de
	}
	return dispatcherrors.ErrBadGateway
}
