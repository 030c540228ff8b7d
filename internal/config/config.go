package config

import (
	"time"
)

// Config represents the complete dispatcher configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`
	Health   HealthConfig   `yaml:"health" json:"health"`
	Routes   []RouteConfig  `yaml:"routes" json:"routes"`
}

// ServerConfig defines the inbound listener settings
type ServerConfig struct {
	Address           string        `yaml:"address" json:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
}

// AdminConfig defines the admin/operations endpoint settings
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Address     string `yaml:"address" json:"address"` // e.g., ":9090"
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json or console
}

// DispatchConfig defines pipeline-level settings
type DispatchConfig struct {
	// TargetTimeout bounds a single target invocation (proxy and api-endpoint).
	TargetTimeout time.Duration `yaml:"target_timeout" json:"target_timeout"`
}

// HealthConfig defines health checker settings
type HealthConfig struct {
	LatencyThreshold time.Duration `yaml:"latency_threshold" json:"latency_threshold"`
	Interval         time.Duration `yaml:"interval" json:"interval"` // 0 disables the periodic sweep
}

// RouteConfig is the declarative route document. It round-trips as YAML in
// the config file and as JSON through the export/import surface.
type RouteConfig struct {
	ID        string          `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name,omitempty"`
	Path      string          `yaml:"path" json:"path"`
	Methods   []string        `yaml:"methods" json:"methods"`
	Priority  int             `yaml:"priority" json:"priority,omitempty"`
	Enabled   *bool           `yaml:"enabled" json:"enabled,omitempty"` // nil means enabled
	Target    TargetConfig    `yaml:"target" json:"target"`
	Auth      AuthConfig      `yaml:"auth" json:"auth,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit,omitempty"`
	Cache     CacheConfig     `yaml:"cache" json:"cache,omitempty"`
	Transform TransformConfig `yaml:"transform" json:"transform,omitempty"`
}

// IsEnabled returns the effective enabled flag (default true).
func (rc *RouteConfig) IsEnabled() bool {
	return rc.Enabled == nil || *rc.Enabled
}

// Target types
const (
	TargetAPIEndpoint   = "api-endpoint"
	TargetStaticContent = "static-content"
	TargetProxy         = "proxy"
	TargetFunction      = "function"
)

// TargetConfig describes where a matched request is forwarded
type TargetConfig struct {
	Type   string         `yaml:"type" json:"type"`
	Config TargetSettings `yaml:"config" json:"config"`
}

// TargetSettings holds per-type target parameters
type TargetSettings struct {
	URL         string `yaml:"url" json:"url,omitempty"`                   // proxy
	Endpoint    string `yaml:"endpoint" json:"endpoint,omitempty"`         // api-endpoint reference
	Function    string `yaml:"function" json:"function,omitempty"`         // named hook
	Content     string `yaml:"content" json:"content,omitempty"`           // static-content body
	ContentType string `yaml:"content_type" json:"content_type,omitempty"` // static-content type
}

// AuthConfig defines per-route authentication
type AuthConfig struct {
	Required bool     `yaml:"required" json:"required"`
	Scheme   string   `yaml:"scheme" json:"scheme,omitempty"` // oauth2, api-key, jwt, custom
	Header   string   `yaml:"header" json:"header,omitempty"` // credential header override
	Scopes   []string `yaml:"scopes" json:"scopes,omitempty"`
	Roles    []string `yaml:"roles" json:"roles,omitempty"`
	Secret   string   `yaml:"secret" json:"secret,omitempty"` // HMAC secret for jwt scheme
}

// Rate limit scope selectors
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
	ScopeUser   = "user"
	ScopeRoute  = "route"
)

// RateLimitConfig defines a fixed-window rate limit rule
type RateLimitConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Quota         int      `yaml:"quota" json:"quota"`
	WindowSeconds int      `yaml:"window_seconds" json:"window_seconds"`
	Scope         string   `yaml:"scope" json:"scope"`
	Allow         []string `yaml:"allow" json:"allow,omitempty"`
	Deny          []string `yaml:"deny" json:"deny,omitempty"`
}

// Window returns the window length as a duration.
func (rl *RateLimitConfig) Window() time.Duration {
	return time.Duration(rl.WindowSeconds) * time.Second
}

// CacheConfig defines per-route response caching
type CacheConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	TTL          int      `yaml:"ttl" json:"ttl"` // seconds
	VaryHeaders  []string `yaml:"vary_headers" json:"vary_headers,omitempty"`
	VaryQuery    []string `yaml:"vary_query" json:"vary_query,omitempty"`
	InvalidateOn []string `yaml:"invalidate_on" json:"invalidate_on,omitempty"` // declarative only
	MaxEntries   int      `yaml:"max_entries" json:"max_entries,omitempty"`
}

// TransformConfig defines request/response mutations
type TransformConfig struct {
	Request  TransformSpec `yaml:"request" json:"request,omitempty"`
	Response TransformSpec `yaml:"response" json:"response,omitempty"`
}

// TransformSpec describes one side of a transform rule. Headers and Query are
// static overrides; the body operations run in declaration order through the
// field ops, then the optional expression program.
type TransformSpec struct {
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	Query        map[string]string `yaml:"query" json:"query,omitempty"` // request side only
	Status       int               `yaml:"status" json:"status,omitempty"`
	SetFields    map[string]string `yaml:"set_fields" json:"set_fields,omitempty"`
	RemoveFields []string          `yaml:"remove_fields" json:"remove_fields,omitempty"`
	RenameFields map[string]string `yaml:"rename_fields" json:"rename_fields,omitempty"`
	Expr         string            `yaml:"expr" json:"expr,omitempty"`
}

// IsZero reports whether the spec carries no mutations.
func (ts *TransformSpec) IsZero() bool {
	return len(ts.Headers) == 0 && len(ts.Query) == 0 && ts.Status == 0 &&
		len(ts.SetFields) == 0 && len(ts.RemoveFields) == 0 &&
		len(ts.RenameFields) == 0 && ts.Expr == ""
}

// RouteUpdate is a partial route document for UpdateRoute. Nil fields are
// left unchanged.
type RouteUpdate struct {
	Name      *string          `json:"name,omitempty"`
	Path      *string          `json:"path,omitempty"`
	Methods   []string         `json:"methods,omitempty"`
	Priority  *int             `json:"priority,omitempty"`
	Enabled   *bool            `json:"enabled,omitempty"`
	Target    *TargetConfig    `json:"target,omitempty"`
	Auth      *AuthConfig      `json:"auth,omitempty"`
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty"`
	Cache     *CacheConfig     `json:"cache,omitempty"`
	Transform *TransformConfig `json:"transform,omitempty"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":9090",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatchConfig{
			TargetTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			LatencyThreshold: 1000 * time.Millisecond,
		},
	}
}
