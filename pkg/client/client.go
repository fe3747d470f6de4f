package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/pagination"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

// LogHandler receives notifications/message from the server
type LogHandler func(protocol.LoggingMessageParams)

// ProgressHandler receives notifications/progress from the server
type ProgressHandler func(protocol.ProgressParams)

// SamplingHandler answers sampling/createMessage requests from the server
type SamplingHandler func(ctx context.Context, params protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// Client talks to one MCP server over a transport
type Client struct {
	transport transport.Transport
	name      string
	version   string
	logger    *zap.Logger

	onLog      LogHandler
	onProgress ProgressHandler
	sampler    SamplingHandler

	mu              sync.RWMutex
	initialized     bool
	serverInfo      protocol.Implementation
	serverCaps      protocol.ServerCapabilities
	instructions    string
	protocolVersion string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientOption defines options for creating a client
type ClientOption func(*Client)

// WithName sets the client name sent in initialize
func WithName(name string) ClientOption {
	return func(c *Client) {
		c.name = name
	}
}

// WithVersion sets the client version
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// WithLogHandler forwards server log notifications to fn
func WithLogHandler(fn LogHandler) ClientOption {
	return func(c *Client) {
		c.onLog = fn
	}
}

// WithProgressHandler forwards progress notifications to fn
func WithProgressHandler(fn ProgressHandler) ClientOption {
	return func(c *Client) {
		c.onProgress = fn
	}
}

// WithSamplingHandler declares the sampling capability and answers the
// server's sampling requests with fn.
func WithSamplingHandler(fn SamplingHandler) ClientOption {
	return func(c *Client) {
		c.sampler = fn
	}
}

// New creates a client. Call Initialize before anything else.
func New(t transport.Transport, options ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: t,
		name:      "mcphost",
		version:   "dev",
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, option := range options {
		option(c)
	}

	t.RegisterNotificationHandler(protocol.MethodLog, c.handleLog)
	t.RegisterNotificationHandler(protocol.MethodProgress, c.handleProgress)
	t.RegisterRequestHandler(protocol.MethodPing, c.handlePing)
	if c.sampler != nil {
		t.RegisterRequestHandler(protocol.MethodCreateMessage, c.handleCreateMessage)
	}
	return c
}

// Initialize starts the transport's read loop and performs the initialize
// handshake. It is a no-op once it has succeeded.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if initialized {
		return nil
	}

	if err := c.transport.Initialize(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.transport.Start(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("client transport stopped", zap.Error(err))
		}
	}()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		ClientInfo:      protocol.Implementation{Name: c.name, Version: c.version},
	}
	if c.sampler != nil {
		params.Capabilities.Sampling = &protocol.SamplingCapability{}
	}

	var result protocol.InitializeResult
	if err := c.request(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.instructions = result.Instructions
	c.protocolVersion = result.ProtocolVersion
	c.initialized = true
	c.mu.Unlock()

	c.logger.Debug("connected",
		zap.String("server", result.ServerInfo.Name),
		zap.String("server_version", result.ServerInfo.Version),
		zap.String("protocol_version", result.ProtocolVersion),
	)
	return c.transport.SendNotification(ctx, protocol.MethodInitialized, nil)
}

// Close stops the transport and waits for the read loop to exit
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Stop(context.Background())
	c.wg.Wait()
	return err
}

// ServerInfo returns the name and version reported by the server
func (c *Client) ServerInfo() protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns what the server advertised during initialize
func (c *Client) Capabilities() protocol.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCaps
}

// Instructions returns the server's usage instructions, if any
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// Ping checks that the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, protocol.MethodPing, nil, nil)
}

// SetLogLevel sets the threshold for log notifications from the server
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LoggingLevel) error {
	return c.request(ctx, protocol.MethodSetLogLevel, protocol.SetLevelParams{Level: level}, nil)
}

// ListTools fetches one page of tools
func (c *Client) ListTools(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
	var result protocol.ListToolsResult
	if err := c.request(ctx, protocol.MethodListTools, protocol.PaginatedParams{Cursor: cursor}, &result); err != nil {
		return nil, "", err
	}
	return result.Tools, result.NextCursor, nil
}

// ListAllTools follows cursors until every tool has been fetched
func (c *Client) ListAllTools(ctx context.Context) ([]protocol.Tool, error) {
	return pagination.Collect(ctx, c.ListTools)
}

// CallTool invokes a tool. A failure inside the tool is reported through
// IsError on the result, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error) {
	return c.CallToolWithProgress(ctx, name, args, nil)
}

// CallToolWithProgress invokes a tool with a progress token, so the server
// may report progress to the ProgressHandler.
func (c *Client) CallToolWithProgress(ctx context.Context, name string, args map[string]interface{}, token interface{}) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: name, Arguments: args}
	if token != nil {
		params.Meta = &protocol.RequestMeta{ProgressToken: token}
	}
	var result protocol.CallToolResult
	if err := c.request(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources fetches one page of static resources
func (c *Client) ListResources(ctx context.Context, cursor string) ([]protocol.Resource, string, error) {
	var result protocol.ListResourcesResult
	if err := c.request(ctx, protocol.MethodListResources, protocol.PaginatedParams{Cursor: cursor}, &result); err != nil {
		return nil, "", err
	}
	return result.Resources, result.NextCursor, nil
}

// ListAllResources follows cursors until every resource has been fetched
func (c *Client) ListAllResources(ctx context.Context) ([]protocol.Resource, error) {
	return pagination.Collect(ctx, c.ListResources)
}

// ListResourceTemplates fetches one page of resource templates
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) ([]protocol.ResourceTemplate, string, error) {
	var result protocol.ListResourceTemplatesResult
	if err := c.request(ctx, protocol.MethodListResourceTemplates, protocol.PaginatedParams{Cursor: cursor}, &result); err != nil {
		return nil, "", err
	}
	return result.ResourceTemplates, result.NextCursor, nil
}

// ListAllResourceTemplates follows cursors until every template has been fetched
func (c *Client) ListAllResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	return pagination.Collect(ctx, c.ListResourceTemplates)
}

// ReadResource reads the resource at uri
func (c *Client) ReadResource(ctx context.Context, uri string) ([]protocol.ResourceContents, error) {
	var result protocol.ReadResourceResult
	if err := c.request(ctx, protocol.MethodReadResource, protocol.ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// ListPrompts fetches one page of prompts
func (c *Client) ListPrompts(ctx context.Context, cursor string) ([]protocol.Prompt, string, error) {
	var result protocol.ListPromptsResult
	if err := c.request(ctx, protocol.MethodListPrompts, protocol.PaginatedParams{Cursor: cursor}, &result); err != nil {
		return nil, "", err
	}
	return result.Prompts, result.NextCursor, nil
}

// ListAllPrompts follows cursors until every prompt has been fetched
func (c *Client) ListAllPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	return pagination.Collect(ctx, c.ListPrompts)
}

// GetPrompt renders a prompt with args
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	var result protocol.GetPromptResult
	if err := c.request(ctx, protocol.MethodGetPrompt, protocol.GetPromptParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// request sends method and decodes the result into out. JSON-RPC errors
// from the server come back as MCPErrors carrying the server's code.
func (c *Client) request(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := c.transport.SendRequest(ctx, method, params)
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return mcperrors.WithMethod(mcperrors.FromJSONRPCError(rpcErr), method, nil)
		}
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return mcperrors.CreateInternalError("decode "+method, err)
	}
	return nil
}

func (c *Client) handleLog(ctx context.Context, params json.RawMessage) error {
	var p protocol.LoggingMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcperrors.InvalidParams(protocol.MethodLog, err)
	}
	if c.onLog != nil {
		c.onLog(p)
	}
	return nil
}

func (c *Client) handleProgress(ctx context.Context, params json.RawMessage) error {
	var p protocol.ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcperrors.InvalidParams(protocol.MethodProgress, err)
	}
	if c.onProgress != nil {
		c.onProgress(p)
	}
	return nil
}

func (c *Client) handlePing(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return protocol.EmptyResult{}, nil
}

func (c *Client) handleCreateMessage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.CreateMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcperrors.InvalidParams(protocol.MethodCreateMessage, err)
	}
	return c.sampler(ctx, p)
}
