package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	dispatcherrors "github.com/wudi/dispatch/internal/errors"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/registry"
)

const maxTargetBody = 16 << 20 // 16 MiB

// SetInvoker installs the collaborator that serves api-endpoint targets.
func (g *Gateway) SetInvoker(inv dispatch.Invoker) {
	g.mu.Lock()
	g.invoker = inv
	g.mu.Unlock()
}

// RegisterHook installs a named handler for function targets.
func (g *Gateway) RegisterHook(name string, fn dispatch.HookFunc) {
	g.mu.Lock()
	g.hooks[name] = fn
	g.mu.Unlock()
}

// invokeTarget runs the route's target and returns its response. Every
// failure is mapped to a dispatch error carrying the outbound status.
func (g *Gateway) invokeTarget(ctx context.Context, route *registry.Route, req *dispatch.Request) (*dispatch.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.targetTimeout)
	defer cancel()

	switch route.Target.Type {
	case config.TargetAPIEndpoint:
		return g.invokeEndpoint(ctx, route.Target.Config.Endpoint, req)
	case config.TargetStaticContent:
		return staticResponse(&route.Target.Config), nil
	case config.TargetProxy:
		return g.invokeProxy(ctx, route.Target.Config.URL, req)
	case config.TargetFunction:
		return g.invokeFunction(ctx, route.Target.Config.Function, req)
	default:
		return nil, dispatcherrors.ErrUnsupportedTarget.WithDetails(route.Target.Type)
	}
}

func (g *Gateway) invokeEndpoint(ctx context.Context, endpoint string, req *dispatch.Request) (*dispatch.Response, error) {
	g.mu.RLock()
	inv := g.invoker
	g.mu.RUnlock()
	if inv == nil {
		return nil, dispatcherrors.ErrBadGateway.WithDetails("no invoker configured for endpoint " + endpoint)
	}
	resp, err := inv.Invoke(ctx, endpoint, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dispatcherrors.Wrap(err, http.StatusGatewayTimeout, "Gateway Timeout")
		}
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}
	return resp, nil
}

func staticResponse(settings *config.TargetSettings) *dispatch.Response {
	contentType := settings.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return &dispatch.Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": contentType},
		Body:    []byte(settings.Content),
	}
}

func (g *Gateway) invokeProxy(ctx context.Context, base string, req *dispatch.Request) (*dispatch.Response, error) {
	target, err := joinTargetURL(base, req)
	if err != nil {
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}
	for name, value := range req.Headers {
		outbound.Header.Set(name, value)
	}
	if req.UserAgent != "" {
		outbound.Header.Set("User-Agent", req.UserAgent)
	}
	if req.RequestID != "" {
		outbound.Header.Set("X-Request-Id", req.RequestID)
	}

	resp, err := g.client.Do(outbound)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dispatcherrors.Wrap(err, http.StatusGatewayTimeout, "Gateway Timeout")
		}
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTargetBody))
	if err != nil {
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &dispatch.Response{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    respBody,
	}, nil
}

// joinTargetURL appends the request path and query to the proxy base URL.
func joinTargetURL(base string, req *dispatch.Request) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + req.Path
	if len(req.Query) > 0 {
		q := u.Query()
		for name, value := range req.Query {
			q.Set(name, value)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (g *Gateway) invokeFunction(ctx context.Context, name string, req *dispatch.Request) (*dispatch.Response, error) {
	g.mu.RLock()
	fn := g.hooks[name]
	g.mu.RUnlock()
	if fn == nil {
		fn = echoHook
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, dispatcherrors.Wrap(err, http.StatusBadGateway, "Bad Gateway")
	}
	return resp, nil
}

// echoHook reflects the request back as JSON. It is the fallback for
// function targets whose hook is not registered.
func echoHook(_ context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	body, err := json.Marshal(map[string]interface{}{
		"method": req.Method,
		"path":   req.Path,
		"query":  req.Query,
		"body":   string(req.Body),
	})
	if err != nil {
		return nil, err
	}
	return &dispatch.Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}
