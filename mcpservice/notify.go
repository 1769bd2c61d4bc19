package mcpservice

import (
	"context"
	"errors"

	"github.com/mcp-examples/calculator-go/mcp"
)

// Notifier delivers a server-initiated JSON-RPC notification to the client.
// Transports inject two flavours into the handler context: a request notifier
// whose messages are related to the in-flight request (streamed before its
// response) and a session notifier for messages that belong to the session as
// a whole (the standalone GET stream on streamable HTTP).
type Notifier interface {
	Notify(ctx context.Context, method mcp.Method, params any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, method mcp.Method, params any) error

func (f NotifierFunc) Notify(ctx context.Context, method mcp.Method, params any) error {
	return f(ctx, method, params)
}

// ErrNoNotifier is returned when a notification is required but the transport
// offers no way to deliver it.
var ErrNoNotifier = errors.New("no notifier available")

type requestNotifierKey struct{}
type sessionNotifierKey struct{}

// WithRequestNotifier returns a context carrying the request-scoped notifier.
func WithRequestNotifier(ctx context.Context, n Notifier) context.Context {
	if n == nil {
		return ctx
	}
	return context.WithValue(ctx, requestNotifierKey{}, n)
}

// WithSessionNotifier returns a context carrying the session-scoped notifier.
func WithSessionNotifier(ctx context.Context, n Notifier) context.Context {
	if n == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionNotifierKey{}, n)
}

// RequestNotifierFrom returns the request-scoped notifier if present.
func RequestNotifierFrom(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(requestNotifierKey{}).(Notifier)
	return n, ok && n != nil
}

// SessionNotifierFrom returns the session-scoped notifier if present.
func SessionNotifierFrom(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(sessionNotifierKey{}).(Notifier)
	return n, ok && n != nil
}

// Notify sends a notification related to the current request, falling back to
// the session stream. It is a no-op when the transport cannot notify.
func Notify(ctx context.Context, method mcp.Method, params any) error {
	if n, ok := RequestNotifierFrom(ctx); ok {
		return n.Notify(ctx, method, params)
	}
	if n, ok := SessionNotifierFrom(ctx); ok {
		return n.Notify(ctx, method, params)
	}
	return nil
}

// NotifySession sends a session-level notification, falling back to the
// request stream when there is no session stream.
func NotifySession(ctx context.Context, method mcp.Method, params any) error {
	if n, ok := SessionNotifierFrom(ctx); ok {
		return n.Notify(ctx, method, params)
	}
	if n, ok := RequestNotifierFrom(ctx); ok {
		return n.Notify(ctx, method, params)
	}
	return nil
}

// LogMessage emits notifications/message unless the session asked for a
// higher minimum level.
func LogMessage(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	if s, ok := SessionFrom(ctx); ok && !level.AtLeast(s.LogLevel()) {
		return nil
	}
	return Notify(ctx, mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// ResourceUpdated announces on the session stream that the resource at uri changed.
func ResourceUpdated(ctx context.Context, uri string) error {
	return NotifySession(ctx, mcp.ResourcesUpdatedNotificationMethod, mcp.ResourceUpdatedNotification{URI: uri})
}
