// Package mcp contains the protocol data types and constants shared by the
// calculator transports and the tool layer. It mirrors the wire representation
// of the Model Context Protocol subset this module speaks (initialize, ping,
// tools, logging and the server-sent notifications) with exported structs and
// json tags.
//
// The package is free of transport logic. STDIO, the hand-rolled HTTP
// JSON-RPC server and the streamable HTTP handler all import these types and
// implement their own framing.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod).
//
// # Logging Levels
//
// LoggingLevel values mirror syslog severities. Use IsValidLoggingLevel to
// validate client supplied values and AtLeast to filter notifications/message
// against the level a client selected with logging/setLevel.
//
// # Compatibility
//
// SupportedProtocolVersions lists every revision that can be negotiated during
// initialize; LatestProtocolVersion is the one preferred when the client asks
// for something unknown.
package mcp
