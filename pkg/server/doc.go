// Package server dispatches Model Context Protocol requests to a registry.
//
// A Server owns no capabilities itself. Tools, resources, resource
// templates and prompts live in a registry.Registry; the server answers
// the MCP methods against it over any transport.Transport:
//
//	reg := registry.New()
//	add, _ := registry.NewTool("add", func(ctx context.Context, args struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}) (interface{}, error) {
//	    return args.A + args.B, nil
//	})
//	_ = reg.AddTool(add)
//
//	srv := server.New(transport.NewStdioTransport(os.Stdin, os.Stdout, logger), reg,
//	    server.WithName("calculator"),
//	    server.WithLogger(logger),
//	)
//	err := srv.Serve(ctx)
//
// # Request context
//
// Every handler runs with a Context reachable through ContextFrom. It sends
// log and progress notifications back to the client, reads sibling
// resources, and asks the client's model for completions when the client
// declared the sampling capability.
//
// # Errors
//
// Unknown tools, prompts and malformed arguments are JSON-RPC errors.
// Anything else a tool returns is delivered as a result with isError set,
// so the calling model can see it.
package server
