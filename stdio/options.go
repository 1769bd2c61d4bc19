package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets both ends of the connection. A nil argument keeps the default
// for that end.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		WithReader(r)(h)
		WithWriter(w)(h)
	}
}

// WithReader replaces os.Stdin as the source of client messages.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter replaces os.Stdout as the destination of responses and
// notifications. Nothing else may write to it.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUserProvider sets how the local user is identified in session logs.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}
