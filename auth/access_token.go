package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcp-examples/calculator-go/internal/config"
	"github.com/mcp-examples/calculator-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of token validation
// (scopes, algorithms, leeway).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"]. Ignored by NewHS256.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts more aud values next to the primary one,
// typically a local URL during development.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, auds...)
	}
}

func buildConfig(issuer, audience string, opts []AccessTokenAuthOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.ExpectedAudiences = []string{audience}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using OpenID Connect discovery on issuer to locate the JWKS.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	v, err := jwtauth.NewFromDiscovery(ctx, buildConfig(issuer, audience, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewFromJWKS verifies tokens signed by keys published at jwksURL. issuer
// and audience are enforced when non-empty.
func NewFromJWKS(ctx context.Context, jwksURL, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	v, err := jwtauth.NewJWKS(ctx, buildConfig(issuer, audience, opts), jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewHS256 verifies tokens signed with a shared secret. It suits local
// development and service-to-service setups without an authorization server.
func NewHS256(secret []byte, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	v, err := jwtauth.NewHS256(buildConfig(issuer, audience, opts), secret)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// FromConfig builds the authenticator selected by cfg: a shared secret, an
// explicit JWKS URL, or OIDC discovery on the issuer, in that order. It
// returns nil, nil when authentication is disabled.
func FromConfig(ctx context.Context, cfg config.Auth) (Authenticator, error) {
	switch {
	case !cfg.Enabled():
		return nil, nil
	case cfg.HS256Secret != "":
		return NewHS256([]byte(cfg.HS256Secret), cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		return NewFromJWKS(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	default:
		a, err := NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		return a, nil
	}
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
