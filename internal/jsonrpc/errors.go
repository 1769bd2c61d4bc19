package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeServerError is the first code of the implementation-defined
	// server error range (-32000 to -32099). Domain failures raised by tools
	// (for example a division by zero) are reported with it.
	ErrorCodeServerError ErrorCode = -32000
)

// Error implements the error interface so that a JSON-RPC error object can be
// returned through ordinary Go error paths.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
