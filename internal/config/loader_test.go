package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  address: ":8088"
logging:
  level: debug
routes:
  - id: users
    path: /api/users
    methods: [GET, POST]
    target:
      type: proxy
      config:
        url: http://users.internal:8000
    rate_limit:
      enabled: true
      quota: 100
      window_seconds: 60
      scope: ip
    cache:
      enabled: true
      ttl: 30
      vary_query: [page]
  - id: docs
    path: /docs/*
    methods: [GET]
    target:
      type: static-content
      config:
        content: "<h1>Docs</h1>"
`

func TestParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Server.Address != ":8088" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Admin.Address != ":9090" {
		t.Fatalf("admin address = %q, want default", cfg.Admin.Address)
	}
	if cfg.Dispatch.TargetTimeout != 30*time.Second {
		t.Fatalf("target timeout = %v, want default", cfg.Dispatch.TargetTimeout)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.Routes))
	}
	users := cfg.Routes[0]
	if users.ID != "users" || users.Target.Config.URL != "http://users.internal:8000" {
		t.Fatalf("route = %+v", users)
	}
	if !users.RateLimit.Enabled || users.RateLimit.Window() != time.Minute {
		t.Fatalf("rate limit = %+v", users.RateLimit)
	}
	if !users.IsEnabled() {
		t.Fatal("enabled should default to true")
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "http://real.example")

	cfg, err := NewLoader().Parse([]byte(`
routes:
  - id: r1
    path: /a
    methods: [GET]
    target:
      type: proxy
      config:
        url: ${UPSTREAM_URL}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Routes[0].Target.Config.URL; got != "http://real.example" {
		t.Fatalf("url = %q", got)
	}
}

func TestParseUnsetEnvLeftVerbatim(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(`
routes:
  - id: r1
    path: /a
    methods: [GET]
    target:
      type: proxy
      config:
        url: ${DISPATCH_TEST_UNSET_VAR}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Routes[0].Target.Config.URL; got != "${DISPATCH_TEST_UNSET_VAR}" {
		t.Fatalf("url = %q", got)
	}
}

func TestParseRejectsDuplicateRouteID(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
routes:
  - id: r1
    path: /a
    methods: [GET]
    target: {type: function}
  - id: r1
    path: /b
    methods: [GET]
    target: {type: function}
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate route id") {
		t.Fatalf("err = %v, want duplicate route id", err)
	}
}

func TestValidateRoute(t *testing.T) {
	valid := func() RouteConfig {
		return RouteConfig{
			ID:      "r1",
			Path:    "/a",
			Methods: []string{"GET"},
			Target:  TargetConfig{Type: TargetFunction},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*RouteConfig)
		wantErr string
	}{
		{"valid", func(rc *RouteConfig) {}, ""},
		{"missing id", func(rc *RouteConfig) { rc.ID = "" }, "id is required"},
		{"missing path", func(rc *RouteConfig) { rc.Path = "" }, "path is required"},
		{"relative path", func(rc *RouteConfig) { rc.Path = "a/b" }, "must start with /"},
		{"no methods", func(rc *RouteConfig) { rc.Methods = nil }, "at least one method"},
		{"bad method", func(rc *RouteConfig) { rc.Methods = []string{"FETCH"} }, "invalid method"},
		{"bad target type", func(rc *RouteConfig) { rc.Target.Type = "queue" }, "invalid target type"},
		{"proxy without url", func(rc *RouteConfig) { rc.Target.Type = TargetProxy }, "requires config.url"},
		{"endpoint without ref", func(rc *RouteConfig) { rc.Target.Type = TargetAPIEndpoint }, "requires config.endpoint"},
		{"bad auth scheme", func(rc *RouteConfig) {
			rc.Auth = AuthConfig{Required: true, Scheme: "basic"}
		}, "invalid auth scheme"},
		{"zero quota", func(rc *RouteConfig) {
			rc.RateLimit = RateLimitConfig{Enabled: true, Quota: 0, WindowSeconds: 60}
		}, "quota must be positive"},
		{"zero window", func(rc *RouteConfig) {
			rc.RateLimit = RateLimitConfig{Enabled: true, Quota: 5}
		}, "window must be positive"},
		{"bad scope", func(rc *RouteConfig) {
			rc.RateLimit = RateLimitConfig{Enabled: true, Quota: 5, WindowSeconds: 60, Scope: "tenant"}
		}, "invalid rate limit scope"},
		{"zero cache ttl", func(rc *RouteConfig) {
			rc.Cache = CacheConfig{Enabled: true}
		}, "cache ttl must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := valid()
			tt.mutate(&rc)
			err := ValidateRoute(&rc)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
