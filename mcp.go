package mcphost

import (
	"github.com/mcpmacos/mcphost/pkg/client"
	"github.com/mcpmacos/mcphost/pkg/compose"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/server"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

// ProtocolVersion is the MCP revision this host speaks
const ProtocolVersion = protocol.LatestProtocolVersion

// These exports give direct access to the core components
var (
	// NewRegistry creates an empty capability registry
	NewRegistry = registry.New

	// NewServer binds a registry to a transport
	NewServer = server.New

	// NewClient creates a client for a remote MCP server
	NewClient = client.New

	// NewStdioTransport creates a newline-delimited JSON transport
	NewStdioTransport = transport.NewStdioTransport

	// NewInMemoryPair creates two connected transports
	NewInMemoryPair = transport.NewInMemoryPair

	// NewHTTPServer creates the streamable HTTP and SSE server
	NewHTTPServer = transport.NewHTTPServer

	// Import copies a registry into another under a prefix
	Import = compose.Import

	// Proxy builds a registry that forwards to a connected client
	Proxy = compose.Proxy
)

// Server options
var (
	WithName         = server.WithName
	WithVersion      = server.WithVersion
	WithInstructions = server.WithInstructions
	WithLogger       = server.WithLogger
	WithObserver     = server.WithObserver
)

// Registration helpers
var (
	NewRawTool              = registry.NewRawTool
	NewResource             = registry.NewResource
	NewTemplate             = registry.NewTemplate
	NewPrompt               = registry.NewPrompt
	WithToolDescription     = registry.WithToolDescription
	WithToolAnnotations     = registry.WithToolAnnotations
	WithResourceDescription = registry.WithResourceDescription
	WithMimeType            = registry.WithMimeType
)
