// Package protocol defines the wire types of the Model Context Protocol.
//
// MCP is JSON-RPC 2.0 based. This package holds the envelope types
// (Request, Response, Notification, Error), message classification, and the
// request/result payloads for the 2025-03-26 revision:
//
//   - jsonrpc.go: JSON-RPC envelopes, error codes and batch handling
//   - mcp.go: method names, lifecycle, capabilities, logging, progress and cancellation
//   - tools.go: tool descriptors, tool calls and content blocks
//   - resources.go: resources, resource templates and resource contents
//   - prompts.go: prompts, prompt arguments and rendered messages
//   - sampling.go: server-initiated sampling requests
//
// # Message Flow
//
// A client opens a session with initialize, confirms it with
// notifications/initialized, then issues list, call, read and get requests.
// During a request the server may emit notifications/message and
// notifications/progress, or ask the client to sample a completion through
// sampling/createMessage.
package protocol
