package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/variables"
)

// AuthValidator verifies the credentials on a request against a route's auth
// rule and returns the caller identity.
type AuthValidator func(ctx context.Context, req *dispatch.Request, rule *config.AuthConfig) (*variables.Identity, error)

// RegisterAuthValidator installs a validator for a scheme, replacing any
// built-in. The custom scheme has no built-in and requires one.
func (g *Gateway) RegisterAuthValidator(scheme string, v AuthValidator) {
	g.mu.Lock()
	g.authValidators[scheme] = v
	g.mu.Unlock()
}

func (g *Gateway) authValidator(scheme string) AuthValidator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.authValidators[scheme]
}

// authenticate runs the route's auth rule. A nil identity with a nil error
// means the route does not require authentication.
func (g *Gateway) authenticate(ctx context.Context, req *dispatch.Request, rule *config.AuthConfig) (*variables.Identity, error) {
	if !rule.Required {
		return nil, nil
	}

	var identity *variables.Identity
	if scheme := rule.Scheme; scheme == "" {
		// Bare presence check on the credential header. The identity
		// carries no roles or claims, so role- and scope-guarded rules
		// reject below.
		if credential(req, rule, "Authorization") == "" {
			return nil, fmt.Errorf("missing credentials")
		}
		identity = &variables.Identity{AuthType: "none"}
	} else {
		v := g.authValidator(scheme)
		if v == nil {
			return nil, fmt.Errorf("no validator for auth scheme %q", scheme)
		}
		var err error
		identity, err = v(ctx, req, rule)
		if err != nil {
			return nil, err
		}
	}

	if len(rule.Roles) > 0 && !hasAnyRole(identity, rule.Roles) {
		return nil, fmt.Errorf("required role missing")
	}
	if len(rule.Scopes) > 0 && !hasAllScopes(identity, rule.Scopes) {
		return nil, fmt.Errorf("required scope missing")
	}
	return identity, nil
}

func hasAnyRole(identity *variables.Identity, roles []string) bool {
	if identity == nil {
		return false
	}
	for _, r := range roles {
		if identity.HasRole(r) {
			return true
		}
	}
	return false
}

func hasAllScopes(identity *variables.Identity, scopes []string) bool {
	if identity == nil {
		return false
	}
	granted := identityScopes(identity)
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// identityScopes reads the granted scopes from the identity claims, either as
// an OAuth2 space-separated "scope" string or a "scopes" array.
func identityScopes(identity *variables.Identity) map[string]bool {
	granted := make(map[string]bool)
	if identity.Claims == nil {
		return granted
	}
	if s, ok := identity.Claims["scope"].(string); ok {
		for _, scope := range strings.Fields(s) {
			granted[scope] = true
		}
	}
	if list, ok := identity.Claims["scopes"].([]interface{}); ok {
		for _, item := range list {
			if scope, ok := item.(string); ok {
				granted[scope] = true
			}
		}
	}
	return granted
}

// credential extracts the raw credential from the rule's header, falling back
// to the scheme default.
func credential(req *dispatch.Request, rule *config.AuthConfig, defaultHeader string) string {
	header := rule.Header
	if header == "" {
		header = defaultHeader
	}
	return req.Header(header)
}

// bearerToken strips the Bearer prefix if present.
func bearerToken(raw string) string {
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}

// validateJWT verifies an HMAC-signed token against the rule's secret and
// maps its claims to an identity.
func validateJWT(_ context.Context, req *dispatch.Request, rule *config.AuthConfig) (*variables.Identity, error) {
	raw := bearerToken(credential(req, rule, "Authorization"))
	if raw == "" {
		return nil, fmt.Errorf("missing token")
	}
	if rule.Secret == "" {
		return nil, fmt.Errorf("jwt auth requires a secret")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(rule.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	identity := &variables.Identity{
		AuthType: "jwt",
		Claims:   map[string]interface{}(claims),
	}
	if sub, ok := claims["sub"].(string); ok {
		identity.UserID = sub
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if role, ok := r.(string); ok {
				identity.Roles = append(identity.Roles, role)
			}
		}
	}
	return identity, nil
}

// validateAPIKey checks the key header (default X-API-Key) against the
// rule's secret.
func validateAPIKey(_ context.Context, req *dispatch.Request, rule *config.AuthConfig) (*variables.Identity, error) {
	key := credential(req, rule, "X-Api-Key")
	if key == "" {
		return nil, fmt.Errorf("missing api key")
	}
	if rule.Secret != "" && key != rule.Secret {
		return nil, fmt.Errorf("invalid api key")
	}
	return &variables.Identity{AuthType: "api-key", UserID: key}, nil
}

// validateOAuth2 treats the bearer token as an HMAC JWT issued by the
// configured secret. Deployments with an introspection endpoint register
// their own validator for the oauth2 scheme.
func validateOAuth2(ctx context.Context, req *dispatch.Request, rule *config.AuthConfig) (*variables.Identity, error) {
	identity, err := validateJWT(ctx, req, rule)
	if err != nil {
		return nil, err
	}
	identity.AuthType = "oauth2"
	return identity, nil
}

func builtinValidators() map[string]AuthValidator {
	return map[string]AuthValidator{
		"jwt":     validateJWT,
		"api-key": validateAPIKey,
		"oauth2":  validateOAuth2,
	}
}
