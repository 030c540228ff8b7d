package transform

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/logging"
)

// compiledSpec is one side of a route's transform rule, pre-compiled at
// registration. Safe for concurrent use.
type compiledSpec struct {
	headers      map[string]string
	query        map[string]string
	status       int
	setFields    map[string]string
	removeFields []string
	renameFields map[string]string
	program      *vm.Program
}

func (cs *compiledSpec) isZero() bool {
	return cs == nil || (len(cs.headers) == 0 && len(cs.query) == 0 && cs.status == 0 &&
		len(cs.setFields) == 0 && len(cs.removeFields) == 0 &&
		len(cs.renameFields) == 0 && cs.program == nil)
}

// compileSpec validates and compiles a transform spec. The body-mutation
// expression is compiled into a sandboxed program: it can only compute a new
// body value from the environment, never call into the host.
func compileSpec(ts config.TransformSpec) (*compiledSpec, error) {
	cs := &compiledSpec{
		headers:      ts.Headers,
		query:        ts.Query,
		status:       ts.Status,
		setFields:    ts.SetFields,
		removeFields: ts.RemoveFields,
		renameFields: ts.RenameFields,
	}

	if ts.Expr != "" {
		program, err := expr.Compile(ts.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("invalid transform expression: %w", err)
		}
		cs.program = program
	}

	return cs, nil
}

// applyFieldOps runs the closed set of JSON field operations in fixed order:
// set, remove, rename. Non-JSON bodies pass through untouched.
func (cs *compiledSpec) applyFieldOps(body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}

	var err error
	for path, value := range cs.setFields {
		body, err = sjson.SetBytes(body, path, value)
		if err != nil {
			return body
		}
	}
	for _, path := range cs.removeFields {
		body, err = sjson.DeleteBytes(body, path)
		if err != nil {
			return body
		}
	}
	for from, to := range cs.renameFields {
		old := gjson.GetBytes(body, from)
		if !old.Exists() {
			continue
		}
		body, err = sjson.SetBytes(body, to, old.Value())
		if err != nil {
			return body
		}
		body, err = sjson.DeleteBytes(body, from)
		if err != nil {
			return body
		}
	}
	return body
}

// runProgram evaluates the body-mutation program against env and renders the
// result back into bytes. A string result is taken verbatim; anything else is
// JSON-encoded.
func (cs *compiledSpec) runProgram(env map[string]interface{}, body []byte) ([]byte, error) {
	out, err := expr.Run(cs.program, env)
	if err != nil {
		return body, err
	}
	switch v := out.(type) {
	case nil:
		return body, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return body, err
		}
		return b, nil
	}
}

// decodeBody parses a JSON body for the expression environment, falling back
// to the raw string for non-JSON payloads.
func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// routeTransforms holds the compiled request and response specs for a route.
type routeTransforms struct {
	request  *compiledSpec
	response *compiledSpec
}

// Engine manages per-route transform rules. Transform failures are logged
// and never abort the pipeline: the untransformed value is passed through.
type Engine struct {
	mu     sync.RWMutex
	routes map[string]*routeTransforms
}

// NewEngine creates an empty transform engine.
func NewEngine() *Engine {
	return &Engine{
		routes: make(map[string]*routeTransforms),
	}
}

// AddRoute compiles and stores a route's transform rule. A malformed
// expression is a configuration error and fails registration.
func (e *Engine) AddRoute(routeID string, cfg config.TransformConfig) error {
	req, err := compileSpec(cfg.Request)
	if err != nil {
		return fmt.Errorf("request transform: %w", err)
	}
	resp, err := compileSpec(cfg.Response)
	if err != nil {
		return fmt.Errorf("response transform: %w", err)
	}

	e.mu.Lock()
	e.routes[routeID] = &routeTransforms{request: req, response: resp}
	e.mu.Unlock()
	return nil
}

// RemoveRoute drops a route's compiled transforms.
func (e *Engine) RemoveRoute(routeID string) {
	e.mu.Lock()
	delete(e.routes, routeID)
	e.mu.Unlock()
}

func (e *Engine) lookup(routeID string) *routeTransforms {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.routes[routeID]
}

// ApplyRequest applies the request-side transform and returns the (possibly
// new) request. The input is never mutated.
func (e *Engine) ApplyRequest(routeID string, req *dispatch.Request) *dispatch.Request {
	rt := e.lookup(routeID)
	if rt == nil || rt.request.isZero() {
		return req
	}
	cs := rt.request

	out := req.Clone()
	for name, value := range cs.headers {
		out.SetHeader(name, value)
	}
	if len(cs.query) > 0 && out.Query == nil {
		out.Query = make(map[string]string, len(cs.query))
	}
	for name, value := range cs.query {
		out.Query[name] = value
	}

	out.Body = cs.applyFieldOps(out.Body)

	if cs.program != nil {
		env := map[string]interface{}{
			"method":  out.Method,
			"path":    out.Path,
			"headers": out.Headers,
			"query":   out.Query,
			"body":    decodeBody(out.Body),
		}
		body, err := cs.runProgram(env, out.Body)
		if err != nil {
			logging.Warn("request transform failed",
				zap.String("route_id", routeID),
				zap.Error(err),
			)
		} else {
			out.Body = body
		}
	}

	return out
}

// ApplyResponse applies the response-side transform and returns the (possibly
// new) response. The input is never mutated.
func (e *Engine) ApplyResponse(routeID string, resp *dispatch.Response) *dispatch.Response {
	rt := e.lookup(routeID)
	if rt == nil || rt.response.isZero() {
		return resp
	}
	cs := rt.response

	out := resp.Clone()
	for name, value := range cs.headers {
		out.SetHeader(name, value)
	}
	if cs.status != 0 {
		out.Status = cs.status
	}

	out.Body = cs.applyFieldOps(out.Body)

	if cs.program != nil {
		env := map[string]interface{}{
			"status":  out.Status,
			"headers": out.Headers,
			"body":    decodeBody(out.Body),
		}
		body, err := cs.runProgram(env, out.Body)
		if err != nil {
			logging.Warn("response transform failed",
				zap.String("route_id", routeID),
				zap.Error(err),
			)
		} else {
			out.Body = body
		}
	}

	return out
}
