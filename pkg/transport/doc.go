// Package transport moves JSON-RPC messages between MCP peers.
//
// # Transports
//
// StdioTransport reads newline-delimited JSON from stdin and writes to
// stdout. It is the default for servers launched by a desktop client, so
// nothing else may write to stdout while it runs; logs go to stderr.
//
// CommandTransport launches a child server process and speaks stdio to it.
// It is how a hub proxies a local server.
//
// InMemoryTransport comes in connected pairs. Tests and in-process clients
// use it to talk to a server without a subprocess or socket.
//
// HTTPServer serves streamable HTTP on a single endpoint:
//
//	POST   /mcp   client messages; JSON reply or an event stream
//	GET    /mcp   event stream for server-initiated messages
//	DELETE /mcp   ends the session
//
// The first POST must be initialize; the reply carries the Mcp-Session-Id
// header that every later request repeats. With LegacySSE the server also
// mounts GET /sse and POST /messages for clients of the 2024-11-05 revision.
//
// HTTPClientTransport is the client side of streamable HTTP.
//
// # Middleware
//
// NewTransport wraps client transports with a timeout and a logging
// middleware. Custom middleware implements Middleware and is composed with
// ChainMiddleware, outermost first:
//
//	t = transport.ChainMiddleware(
//	    transport.NewTimeoutMiddleware(10*time.Second),
//	    transport.NewLoggingMiddleware(logger),
//	).Wrap(t)
package transport
