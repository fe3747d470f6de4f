package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
)

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.InitializeParams
	if err := decodeParams(protocol.MethodInitialize, params, &p); err != nil {
		return nil, err
	}

	version := protocol.NegotiateVersion(p.ProtocolVersion)

	s.mu.Lock()
	s.clientInfo = p.ClientInfo
	s.clientCaps = p.Capabilities
	s.protocolVersion = version
	s.initialized = true
	s.mu.Unlock()

	logging.FromContext(ctx).Info("client connected",
		zap.String("client", p.ClientInfo.Name),
		zap.String("client_version", p.ClientInfo.Version),
		zap.String("requested_version", p.ProtocolVersion),
		zap.String("protocol_version", version),
	)

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities(),
		ServerInfo:      protocol.Implementation{Name: s.name, Version: s.version},
		Instructions:    s.instructions,
	}, nil
}

// capabilities advertises only the kinds the registry actually holds
func (s *Server) capabilities() protocol.ServerCapabilities {
	tools, resources, templates, prompts := s.registry.Counts()
	caps := protocol.ServerCapabilities{Logging: &protocol.LoggingCapability{}}
	if tools > 0 {
		caps.Tools = &protocol.ToolsCapability{}
	}
	if resources > 0 || templates > 0 {
		caps.Resources = &protocol.ResourcesCapability{}
	}
	if prompts > 0 {
		caps.Prompts = &protocol.PromptsCapability{}
	}
	return caps
}

func (s *Server) handleInitialized(ctx context.Context, params json.RawMessage) error {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Server) handleCancelled(ctx context.Context, params json.RawMessage) error {
	var p protocol.CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcperrors.InvalidParams(protocol.MethodCancelled, err)
	}
	id := fmt.Sprint(p.RequestID)
	if s.cancelRequest(id) {
		s.logger.Debug("request cancelled", zap.String("request_id", id), zap.String("reason", p.Reason))
	}
	return nil
}

func (s *Server) handlePing(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return protocol.EmptyResult{}, nil
}

func (s *Server) handleSetLogLevel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.SetLevelParams
	if err := decodeParams(protocol.MethodSetLogLevel, params, &p); err != nil {
		return nil, err
	}
	if !p.Level.Valid() {
		return nil, mcperrors.InvalidParams(protocol.MethodSetLogLevel, fmt.Errorf("unknown level %q", p.Level))
	}

	s.mu.Lock()
	s.logLevel = p.Level
	s.mu.Unlock()
	return protocol.EmptyResult{}, nil
}

func (s *Server) handleListTools(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.PaginatedParams
	if err := decodeParams(protocol.MethodListTools, params, &p); err != nil {
		return nil, err
	}
	tools, next, err := s.registry.ListTools(p.Cursor)
	if err != nil {
		return nil, err
	}
	return &protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

// handleCallTool resolves, validates and invokes a tool. Argument problems
// are protocol errors; failures inside the tool become an isError result so
// the model can read them.
func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.CallToolParams
	if err := decodeParams(protocol.MethodCallTool, params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, mcperrors.InvalidParams(protocol.MethodCallTool, errors.New("name is required"))
	}

	tool, ok := s.registry.Tool(p.Name)
	if !ok {
		return nil, mcperrors.ToolNotFound(p.Name)
	}

	args := p.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	var result *protocol.CallToolResult
	err := guard("tool "+p.Name, func() error {
		var err error
		result, err = tool.Handler(ctx, args)
		return err
	})

	switch {
	case err == nil:
	case mcperrors.IsCode(err, mcperrors.CodeInvalidParams), mcperrors.IsCategory(err, mcperrors.CategoryInternal):
		return nil, err
	case ctx.Err() != nil:
		return nil, mcperrors.OperationCancelled("tools/call " + p.Name)
	default:
		logging.FromContext(ctx).Info("tool returned error", zap.String("tool", p.Name), zap.Error(err))
		return protocol.ErrorResult(err.Error()), nil
	}

	if result == nil {
		result = &protocol.CallToolResult{}
	}
	if result.Content == nil {
		result.Content = []protocol.Content{}
	}
	return result, nil
}

func (s *Server) handleListResources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.PaginatedParams
	if err := decodeParams(protocol.MethodListResources, params, &p); err != nil {
		return nil, err
	}
	resources, next, err := s.registry.ListResources(p.Cursor)
	if err != nil {
		return nil, err
	}
	return &protocol.ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (s *Server) handleListResourceTemplates(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.PaginatedParams
	if err := decodeParams(protocol.MethodListResourceTemplates, params, &p); err != nil {
		return nil, err
	}
	templates, next, err := s.registry.ListResourceTemplates(p.Cursor)
	if err != nil {
		return nil, err
	}
	return &protocol.ListResourceTemplatesResult{ResourceTemplates: templates, NextCursor: next}, nil
}

func (s *Server) handleReadResource(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.ReadResourceParams
	if err := decodeParams(protocol.MethodReadResource, params, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, mcperrors.InvalidParams(protocol.MethodReadResource, errors.New("uri is required"))
	}

	contents, err := s.readResource(ctx, p.URI)
	if err != nil {
		return nil, err
	}
	return &protocol.ReadResourceResult{Contents: contents}, nil
}

// readResource is shared by resources/read and Context.ReadResource
func (s *Server) readResource(ctx context.Context, uri string) ([]protocol.ResourceContents, error) {
	handler, req, ok := s.registry.ResolveResource(uri)
	if !ok {
		return nil, mcperrors.ResourceNotFoundByURI(uri)
	}

	var contents []protocol.ResourceContents
	err := guard("resource "+uri, func() error {
		var err error
		contents, err = handler(ctx, req)
		return err
	})
	if err != nil {
		if mcperrors.IsMCPError(err) {
			return nil, err
		}
		return nil, mcperrors.ProviderError("resource", "read "+uri, err)
	}
	if contents == nil {
		contents = []protocol.ResourceContents{}
	}
	return contents, nil
}

func (s *Server) handleListPrompts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.PaginatedParams
	if err := decodeParams(protocol.MethodListPrompts, params, &p); err != nil {
		return nil, err
	}
	prompts, next, err := s.registry.ListPrompts(p.Cursor)
	if err != nil {
		return nil, err
	}
	return &protocol.ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.GetPromptParams
	if err := decodeParams(protocol.MethodGetPrompt, params, &p); err != nil {
		return nil, err
	}

	prompt, ok := s.registry.Prompt(p.Name)
	if !ok {
		return nil, mcperrors.PromptNotFound(p.Name)
	}
	args := p.Arguments
	if args == nil {
		args = map[string]string{}
	}
	for _, arg := range prompt.Descriptor.Arguments {
		if _, present := args[arg.Name]; arg.Required && !present {
			return nil, mcperrors.MissingArgument("prompt "+p.Name, arg.Name)
		}
	}

	var result *protocol.GetPromptResult
	err := guard("prompt "+p.Name, func() error {
		var err error
		result, err = prompt.Handler(ctx, args)
		return err
	})
	if err != nil {
		if mcperrors.IsMCPError(err) {
			return nil, err
		}
		return nil, mcperrors.ProviderError("prompt", "render "+p.Name, err)
	}
	if result == nil {
		result = &protocol.GetPromptResult{}
	}
	if result.Messages == nil {
		result.Messages = []protocol.PromptMessage{}
	}
	if result.Description == "" {
		result.Description = prompt.Descriptor.Description
	}
	return result, nil
}

// guard runs fn and turns a panic into an internal error
func guard(operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mcperrors.CreateInternalError(operation, fmt.Errorf("panic: %v", r)).
				WithDetail(string(debug.Stack()))
		}
	}()
	return fn()
}
