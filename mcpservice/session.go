package mcpservice

import (
	"context"
	"sync"

	"github.com/mcp-examples/calculator-go/mcp"
)

// Session is the view of a client connection available to capabilities and
// tool handlers. STDIO has a single session for the process, the manual HTTP
// server one per request and the streamable HTTP handler one per
// Mcp-Session-Id.
type Session interface {
	SessionID() string
	ProtocolVersion() string
	// LogLevel is the minimum severity of notifications/message the client
	// asked for with logging/setLevel. Empty means everything is forwarded.
	LogLevel() mcp.LoggingLevel
	SetLogLevel(level mcp.LoggingLevel)
}

// SessionState is a ready-made, concurrency-safe Session.
type SessionState struct {
	id string

	mu              sync.RWMutex
	protocolVersion string
	logLevel        mcp.LoggingLevel
}

var _ Session = (*SessionState)(nil)

// NewSessionState returns a SessionState with the given id.
func NewSessionState(id string) *SessionState {
	return &SessionState{id: id}
}

func (s *SessionState) SessionID() string { return s.id }

func (s *SessionState) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// SetProtocolVersion records the negotiated protocol revision.
func (s *SessionState) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

func (s *SessionState) LogLevel() mcp.LoggingLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logLevel
}

func (s *SessionState) SetLogLevel(level mcp.LoggingLevel) {
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
}

type sessionKey struct{}

// WithSession returns a context carrying the session.
func WithSession(ctx context.Context, s Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom retrieves the session from ctx if present.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok && s != nil
}
