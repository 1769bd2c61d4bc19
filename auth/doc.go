// Package auth provides optional bearer token authentication for the HTTP
// calculator servers.
//
// The public surface stays small: an Authenticator validates an incoming
// bearer token string and returns a UserInfo (or an error). Check and
// Middleware extract the token from an HTTP request and map the sentinel
// errors into RFC 6750 challenges.
//
// # Token sources
//
// NewHS256 verifies tokens signed with a shared secret. NewFromJWKS verifies
// tokens against a JWKS URL. NewFromDiscovery performs OpenID Connect
// discovery on the issuer and additionally enforces the RFC 9068 typ header.
// FromConfig picks one of them from the MCP_AUTH_* environment settings.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("calculator:use"),
//	)
//	if err != nil { log.Fatal(err) }
//	r := mux.NewRouter()
//	r.Use(auth.Middleware(authn, "mcp", logger))
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
