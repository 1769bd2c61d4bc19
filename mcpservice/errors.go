package mcpservice

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is wrapped by CallTool when the requested name is unknown.
	ErrToolNotFound = errors.New("unknown tool")
	// ErrInvalidArguments is wrapped when tool arguments fail schema validation
	// or strict decoding.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// CodeToolFailure is the JSON-RPC code reported for domain failures raised by
// tool handlers. It is the first value of the implementation-defined server
// error range.
const CodeToolFailure = -32000

// ToolError is a tool failure that should surface to the client as a JSON-RPC
// error with a specific code rather than as an isError tool result.
type ToolError struct {
	Code int
	Err  error
}

// NewToolError wraps err as a tool failure with CodeToolFailure.
func NewToolError(err error) *ToolError {
	return &ToolError{Code: CodeToolFailure, Err: err}
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool error %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }
