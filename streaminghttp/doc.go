// Package streaminghttp implements the MCP streamable HTTP transport. It mounts
// as a standard net/http handler on a single endpoint (/mcp by default) and
// serves three methods:
//
//   - POST carries one JSON-RPC message. Notifications and client responses
//     are acknowledged with 202. Requests are answered with an event stream
//     holding the request's notifications followed by its response, or with
//     a single JSON body when JSON response mode is on or the client only
//     accepts application/json.
//   - GET opens the standalone event stream of a session, used for
//     session-level notifications such as notifications/resources/updated.
//   - DELETE terminates a session.
//
// # Modes
//
// By default sessions are kept in process memory: initialize issues an
// Mcp-Session-Id and every later request must present it.
//
// WithStateless drops sessions. Each POST runs in a throwaway session, any
// method is accepted without initialize, and GET and DELETE answer 405.
//
// WithEventStore makes sessions resumable. Every outbound message of a
// session is appended to the store under the session id and the SSE frame
// carries the assigned id. A client that lost a stream reconnects with GET
// and Last-Event-ID and receives the stored messages after that id before
// the stream goes live. Requests outlive their HTTP connection in this mode
// so the response is stored even when the client is gone.
//
// # Construction
//
//	h, err := streaminghttp.New(
//	    calculator.NewServer(),
//	    streaminghttp.WithEventStore(memory.New()),
//	    streaminghttp.WithAuthenticator(authenticator, "mcp"),
//	)
//	defer h.Close()
//	http.ListenAndServe(":8003", h)
//
// # Error Handling
//
// Transport-level rejections use HTTP status codes with a small JSON body:
// 415 for a non-JSON content type, 406 for an unusable Accept header, 400 for
// batches, a missing session or a protocol version mismatch, 404 for unknown
// sessions and 409 for a repeated initialize. MCP-level errors are JSON-RPC
// error responses. Authentication failures carry a WWW-Authenticate challenge.
package streaminghttp
