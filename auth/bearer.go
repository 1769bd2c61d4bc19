package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	bearerPrefix          = "Bearer "
)

// ErrMissingCredentials is returned by Check when the request has no
// Authorization header.
var ErrMissingCredentials = errors.New("missing authorization header")

// ErrMalformedCredentials is returned by Check for a header that is not a
// non-empty bearer token.
var ErrMalformedCredentials = errors.New("malformed bearer authorization header")

// BuildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func BuildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Check extracts the bearer token from r and validates it with a. On failure
// it writes the RFC 6750 challenge and status to w and returns the cause; the
// caller must not write anything else.
//
//	missing header          -> 401, bare challenge
//	malformed header        -> 400 invalid_request
//	invalid token           -> 401 invalid_token
//	insufficient scope      -> 403 insufficient_scope
//	other validation errors -> 500
func Check(ctx context.Context, a Authenticator, realm string, w http.ResponseWriter, r *http.Request) (UserInfo, error) {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		w.Header().Add(wwwAuthenticateHeader, BuildBearerChallenge(realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, ErrMissingCredentials
	}

	tok := ""
	if strings.HasPrefix(authHeader, bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		w.Header().Add(wwwAuthenticateHeader, BuildBearerChallenge(realm, map[string]string{"error": "invalid_request", "error_description": ErrMalformedCredentials.Error()}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, ErrMalformedCredentials
	}

	ui, err := a.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return ui, nil
	case errors.Is(err, ErrInsufficientScope):
		w.Header().Add(wwwAuthenticateHeader, BuildBearerChallenge(realm, map[string]string{"error": "insufficient_scope", "error_description": "insufficient scope"}))
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, ErrUnauthorized):
		w.Header().Add(wwwAuthenticateHeader, BuildBearerChallenge(realm, map[string]string{"error": "invalid_token", "error_description": "invalid token"}))
		w.WriteHeader(http.StatusUnauthorized)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	return nil, err
}

// Middleware guards next with Check and stores the principal in the request
// context. A nil Authenticator disables the check. The returned function has
// the shape of a gorilla/mux MiddlewareFunc.
func Middleware(a Authenticator, realm string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			ui, err := Check(ctx, a, realm, w, r)
			if err != nil {
				log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserInfo(ctx, ui)))
		})
	}
}
