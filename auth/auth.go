package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfoKey struct{}

// WithUserInfo returns a context carrying the authenticated principal.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	if ui == nil {
		return ctx
	}
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFrom returns the principal stored by WithUserInfo.
func UserInfoFrom(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok && ui != nil
}

// UserID returns the authenticated user id in ctx, or "".
func UserID(ctx context.Context) string {
	if ui, ok := UserInfoFrom(ctx); ok {
		return ui.UserID()
	}
	return ""
}
