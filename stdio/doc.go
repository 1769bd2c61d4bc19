// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses and for
// local development where spawning a child process and piping JSON is simpler
// than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : none (OS user recorded for logging)
//	Sessions         : one, for the lifetime of Serve
//	Transport        : newline-delimited JSON-RPC
//
// Logs must never be written to stdout; point the logger at stderr.
//
// Example:
//
//	srv := calculator.NewServer(calculator.WithInfoTool())
//	h := stdio.NewHandler(srv, stdio.WithLogger(logger))
//	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
package stdio
