package dispatch

import (
	"context"
	"encoding/json"
	"net/textproto"
)

// Request is the in-flight gateway request. Pipeline stages that mutate it
// (auth, transforms) operate on a shallow copy so the caller's view is stable.
type Request struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	RequestID string            `json:"request_id,omitempty"`

	// Populated by the auth stage.
	UserID string   `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Header returns a header value by its canonical name.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// SetHeader sets a header under its canonical name.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Clone returns a copy with independent header and query maps. The body
// slice is shared; transforms replace it rather than mutate in place.
func (r *Request) Clone() *Request {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Query != nil {
		c.Query = make(map[string]string, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = v
		}
	}
	if r.Roles != nil {
		c.Roles = append([]string(nil), r.Roles...)
	}
	return &c
}

// Response is the terminal value returned to the caller.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Cached  bool              `json:"cached"`
	RouteID string            `json:"route_id,omitempty"`
}

// SetHeader sets a response header under its canonical name.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// Success reports whether the status is in [200, 300).
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a copy with an independent header map.
func (r *Response) Clone() *Response {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// ErrorResponse builds a structured {"error": ...} response.
func ErrorResponse(status int, message string) *Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// Invoker is the external collaborator that performs outbound calls for
// api-endpoint targets. Failures propagate as dispatch errors.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, endpoint string, req *Request) (*Response, error)

// Invoke calls the function.
func (f InvokerFunc) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	return f(ctx, endpoint, req)
}

// HookFunc is a named handler for function targets.
type HookFunc func(ctx context.Context, req *Request) (*Response, error)
