// Package mcpservice provides the building blocks a transport needs to serve an
// MCP server: the capability interfaces consumed by the engine, a per-client
// Session, typed tool construction with reflected JSON Schemas, and the
// notification plumbing tools use for progress and log messages.
//
// Quick start:
//
//	type AddArgs struct {
//	    A float64 `json:"a" jsonschema:"description=First number"`
//	    B float64 `json:"b" jsonschema:"description=Second number"`
//	}
//	type Result struct {
//	    Result float64 `json:"result"`
//	}
//
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewToolWithOutput[AddArgs, Result]("add",
//	        func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriterTyped[Result], r *mcpservice.ToolRequest[AddArgs]) error {
//	            sum := r.Args().A + r.Args().B
//	            _ = w.AppendText(fmt.Sprintf("%g", sum))
//	            w.SetStructured(Result{Result: sum})
//	            return nil
//	        },
//	        mcpservice.WithToolDescription("Add two numbers"),
//	    ),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsCapability(tools),
//	)
//
// Tool arguments are validated against the reflected schema and decoded
// strictly, so handlers only ever see well-formed input. Errors returned by a
// handler become JSON-RPC errors; wrap domain failures in a ToolError to pick
// the code.
package mcpservice
