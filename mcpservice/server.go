package mcpservice

import (
	"context"

	"github.com/mcp-examples/calculator-go/mcp"
)

// ServerOption configures a concrete ServerCapabilities implementation.
type ServerOption func(*server)

type server struct {
	staticInfo   *mcp.ImplementationInfo
	infoProvider func(ctx context.Context, session Session) (mcp.ImplementationInfo, error)

	staticProtocolVersion string
	staticInstructions    *string

	staticToolsCap ToolsCapability

	staticLoggingCap LoggingCapability
}

// NewServer builds a ServerCapabilities using functional options.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets a static server info value.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.staticInfo = &info }
}

// WithServerInfoProvider sets a provider for per-session server info.
func WithServerInfoProvider(fn func(ctx context.Context, session Session) (mcp.ImplementationInfo, error)) ServerOption {
	return func(s *server) { s.infoProvider = fn }
}

// WithPreferredProtocolVersion sets the revision offered to clients asking for
// an unsupported one.
func WithPreferredProtocolVersion(version string) ServerOption {
	return func(s *server) { s.staticProtocolVersion = version }
}

// WithInstructions sets static human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.staticInstructions = &instr }
}

// WithToolsCapability wires a static ToolsCapability (used for all sessions).
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.staticToolsCap = cap }
}

// WithLoggingCapability wires a static LoggingCapability (used for all sessions).
func WithLoggingCapability(cap LoggingCapability) ServerOption {
	return func(s *server) { s.staticLoggingCap = cap }
}

// GetServerInfo implements ServerCapabilities.
func (s *server) GetServerInfo(ctx context.Context, session Session) (mcp.ImplementationInfo, error) {
	if s.infoProvider != nil {
		return s.infoProvider(ctx, session)
	}
	if s.staticInfo != nil {
		return *s.staticInfo, nil
	}
	return mcp.ImplementationInfo{}, nil
}

// GetPreferredProtocolVersion implements ServerCapabilities.
func (s *server) GetPreferredProtocolVersion(ctx context.Context) (string, bool, error) {
	if s.staticProtocolVersion != "" {
		return s.staticProtocolVersion, true, nil
	}
	return "", false, nil
}

// GetInstructions implements ServerCapabilities.
func (s *server) GetInstructions(ctx context.Context, session Session) (string, bool, error) {
	if s.staticInstructions != nil {
		return *s.staticInstructions, true, nil
	}
	return "", false, nil
}

// GetToolsCapability implements ServerCapabilities.
func (s *server) GetToolsCapability(ctx context.Context, session Session) (ToolsCapability, bool, error) {
	if s.staticToolsCap != nil {
		return s.staticToolsCap, true, nil
	}
	return nil, false, nil
}

// GetLoggingCapability implements ServerCapabilities.
func (s *server) GetLoggingCapability(ctx context.Context, session Session) (LoggingCapability, bool, error) {
	if s.staticLoggingCap != nil {
		return s.staticLoggingCap, true, nil
	}
	return nil, false, nil
}
