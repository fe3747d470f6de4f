// Package client connects to an MCP server over any transport.
//
// The host uses it to proxy remote servers into its own registry, but it is
// a general client:
//
//	t := transport.NewCommandTransport(transport.TransportConfig{
//	    Type:    transport.TransportTypeCommand,
//	    Command: "weather-server",
//	})
//	c := client.New(t, client.WithLogger(logger))
//	if err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	tools, err := c.ListAllTools(ctx)
//	result, err := c.CallTool(ctx, "forecast", map[string]interface{}{"city": "Oslo"})
//
// Initialize starts the transport's read loop itself; there is no separate
// Start. Errors returned by the server keep their JSON-RPC code and can be
// inspected with the errors package helpers.
package client
