package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validTargetTypes contains all supported target types.
var validTargetTypes = map[string]bool{
	TargetAPIEndpoint: true, TargetStaticContent: true,
	TargetProxy: true, TargetFunction: true,
}

// validScopes contains all supported rate limit scope selectors.
var validScopes = map[string]bool{
	ScopeGlobal: true, ScopeIP: true, ScopeUser: true, ScopeRoute: true,
}

// validAuthSchemes contains all supported auth scheme tags.
var validAuthSchemes = map[string]bool{
	"oauth2": true, "api-key": true, "jwt": true, "custom": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks the configuration for errors
func (l *Loader) validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		if err := ValidateRoute(rc); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if seen[rc.ID] {
			return fmt.Errorf("route %d: duplicate route id %q", i, rc.ID)
		}
		seen[rc.ID] = true
	}
	if cfg.Health.LatencyThreshold <= 0 {
		return fmt.Errorf("health.latency_threshold must be positive")
	}
	if cfg.Dispatch.TargetTimeout <= 0 {
		return fmt.Errorf("dispatch.target_timeout must be positive")
	}
	return nil
}

// ValidateRoute checks a single route document. It is used both by the config
// loader and by the route import surface.
func ValidateRoute(rc *RouteConfig) error {
	if rc.ID == "" {
		return fmt.Errorf("route id is required")
	}
	if rc.Path == "" {
		return fmt.Errorf("route %q: path is required", rc.ID)
	}
	if !strings.HasPrefix(rc.Path, "/") {
		return fmt.Errorf("route %q: path must start with /", rc.ID)
	}
	if len(rc.Methods) == 0 {
		return fmt.Errorf("route %q: at least one method is required", rc.ID)
	}
	for _, m := range rc.Methods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("route %q: invalid method %q", rc.ID, m)
		}
	}

	if !validTargetTypes[rc.Target.Type] {
		return fmt.Errorf("route %q: invalid target type %q", rc.ID, rc.Target.Type)
	}
	switch rc.Target.Type {
	case TargetProxy:
		if rc.Target.Config.URL == "" {
			return fmt.Errorf("route %q: proxy target requires config.url", rc.ID)
		}
	case TargetAPIEndpoint:
		if rc.Target.Config.Endpoint == "" {
			return fmt.Errorf("route %q: api-endpoint target requires config.endpoint", rc.ID)
		}
	}

	if rc.Auth.Required && rc.Auth.Scheme != "" && !validAuthSchemes[rc.Auth.Scheme] {
		return fmt.Errorf("route %q: invalid auth scheme %q", rc.ID, rc.Auth.Scheme)
	}

	if rc.RateLimit.Enabled {
		if rc.RateLimit.Quota <= 0 {
			return fmt.Errorf("route %q: rate limit quota must be positive", rc.ID)
		}
		if rc.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("route %q: rate limit window must be positive", rc.ID)
		}
		if rc.RateLimit.Scope != "" && !validScopes[rc.RateLimit.Scope] {
			return fmt.Errorf("route %q: invalid rate limit scope %q", rc.ID, rc.RateLimit.Scope)
		}
	}

	if rc.Cache.Enabled && rc.Cache.TTL <= 0 {
		return fmt.Errorf("route %q: cache ttl must be positive", rc.ID)
	}

	return nil
}
