package mcpservice

import (
	"context"

	"github.com/mcp-examples/calculator-go/mcp"
)

// ServerCapabilities is what a transport needs from a server implementation:
// identity for initialize plus the optional tools and logging capabilities.
//
// Implementations MUST be safe for concurrent use and honor ctx cancellation.
// Capability discovery methods return (cap, ok, err); ok=false means the
// capability is not offered and will not be advertised.
type ServerCapabilities interface {
	// GetServerInfo returns the implementation information surfaced in
	// initialize results.
	GetServerInfo(ctx context.Context, session Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the revision offered when the client
	// requests one the server does not support.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable instructions included in
	// the initialize result.
	GetInstructions(ctx context.Context, session Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session.
	GetToolsCapability(ctx context.Context, session Session) (cap ToolsCapability, ok bool, err error)

	// GetLoggingCapability returns the logging capability for the session.
	GetLoggingCapability(ctx context.Context, session Session) (cap LoggingCapability, ok bool, err error)
}

// ToolsCapability defines the server's tools surface area.
type ToolsCapability interface {
	// ListTools returns every tool available to the session.
	ListTools(ctx context.Context, session Session) ([]mcp.Tool, error)

	// CallTool invokes a named tool. Unknown names yield an error wrapping
	// ErrToolNotFound; argument validation failures wrap ErrInvalidArguments.
	CallTool(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// LoggingCapability allows the client to adjust the server's logging level.
type LoggingCapability interface {
	// SetLevel updates the logging level. Implementations decide scope
	// (process-wide vs session-specific) and mapping to underlying logger(s).
	SetLevel(ctx context.Context, session Session, level mcp.LoggingLevel) error
}
