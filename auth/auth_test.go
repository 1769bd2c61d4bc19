package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/internal/config"
	"github.com/mcp-examples/calculator-go/internal/logging"
)

var testSecret = []byte("calculator-secret")

func hs256Token(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "alice",
		"aud":   "calculator",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "calculator:use",
	}
}

func guarded(t *testing.T, a Authenticator) http.Handler {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r.Context())))
	})
	return Middleware(a, "mcp", logging.Discard())(next)
}

func TestMiddleware(t *testing.T) {
	a, err := NewHS256(testSecret, "", "calculator", WithRequiredScopes("calculator:use"))
	require.NoError(t, err)
	h := guarded(t, a)

	noScope := validClaims()
	noScope["scope"] = "other"

	cases := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{"missing", "", http.StatusUnauthorized, `Bearer realm="mcp"`},
		{"malformed", "Basic abc", http.StatusBadRequest, `error="invalid_request"`},
		{"empty bearer", "Bearer   ", http.StatusBadRequest, `error="invalid_request"`},
		{"bad signature", "Bearer " + hs256Token(t, []byte("nope"), validClaims()), http.StatusUnauthorized, `error="invalid_token"`},
		{"insufficient scope", "Bearer " + hs256Token(t, testSecret, noScope), http.StatusForbidden, `error="insufficient_scope"`},
		{"ok", "Bearer " + hs256Token(t, testSecret, validClaims()), http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.challenge != "" {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), tc.challenge)
			} else {
				assert.Equal(t, "alice", rec.Body.String())
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	h := guarded(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddlewarePassesPreflight(t *testing.T) {
	a, err := NewHS256(testSecret, "", "")
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	guarded(t, a).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildBearerChallenge(t *testing.T) {
	assert.Equal(t, "Bearer", BuildBearerChallenge("", nil))
	assert.Equal(t,
		`Bearer realm="mcp", error="invalid_token", error_description="say \"hi\""`,
		BuildBearerChallenge("mcp", map[string]string{"error_description": `say "hi"`, "error": "invalid_token"}),
	)
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(context.Background(), config.Auth{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = FromConfig(context.Background(), config.Auth{HS256Secret: string(testSecret), Audience: "calculator"})
	require.NoError(t, err)
	require.NotNil(t, a)

	ui, err := a.CheckAuthentication(context.Background(), hs256Token(t, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "alice", ui.UserID())

	var claims struct {
		Scope string `json:"scope"`
	}
	require.NoError(t, ui.Claims(&claims))
	assert.Equal(t, "calculator:use", claims.Scope)
}

func TestUserInfoContext(t *testing.T) {
	assert.Empty(t, UserID(context.Background()))
	_, ok := UserInfoFrom(WithUserInfo(context.Background(), nil))
	assert.False(t, ok)
}
