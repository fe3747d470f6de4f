// Package mcphost hosts Model Context Protocol servers.
//
// A host is a registry of tools, resources, resource templates and prompts
// bound to a transport. Registries compose: a sub-server's entries can be
// copied into a parent under a prefix, and a remote MCP server can be
// wrapped as a registry with Proxy and imported the same way.
//
// # Serving a tool
//
//	reg := mcphost.NewRegistry()
//	add, err := registry.NewTool("add", func(_ context.Context, args struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}) (interface{}, error) {
//	    return args.A + args.B, nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := reg.AddTool(add); err != nil {
//	    log.Fatal(err)
//	}
//
//	srv := mcphost.NewServer(mcphost.NewStdioTransport(os.Stdin, os.Stdout, logger), reg)
//	if err := srv.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// NewTool is generic and therefore only available from pkg/registry.
//
// # Composition
//
//	hub := mcphost.NewRegistry()
//	if err := mcphost.Import(hub, mailRegistry, "mail"); err != nil {
//	    log.Fatal(err)
//	}
//
// After the import, list_accounts is served as mail_list_accounts and
// mail://accounts as mail://mail/accounts.
//
// The sub-packages:
//
//   - pkg/protocol: JSON-RPC and MCP wire types
//   - pkg/registry: capability registry and typed constructors
//   - pkg/server: the request dispatcher and per-request Context
//   - pkg/compose: Import and Proxy
//   - pkg/client: MCP client used by Proxy
//   - pkg/transport: stdio, in-memory, command and HTTP/SSE transports
//   - pkg/mail: the Apple Mail sub-server
//   - pkg/hub: builds the composed registry from configuration
package mcphost
