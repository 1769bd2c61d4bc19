// Package httprpc is the minimal MCP over HTTP transport: a single POST
// endpoint that takes one JSON-RPC message and answers with one JSON-RPC
// response, without sessions or streaming.
//
// Status codes follow the message outcome rather than the MCP streamable
// transport rules: malformed JSON is a 400 carrying a -32700 error with a null
// id, notifications are acknowledged with 202, internal errors are a 500 and
// everything else, including JSON-RPC errors such as an unknown method, is a
// 200. CORS is open to any origin.
//
// Use streaminghttp for clients that speak the streamable HTTP transport.
package httprpc
