package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func calculator(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	add, err := registry.NewTool("add", func(_ context.Context, args addArgs) (interface{}, error) {
		return args.A + args.B, nil
	}, registry.WithToolDescription("Add two integers"))
	require.NoError(t, err)
	require.NoError(t, reg.AddTool(add))
	return reg
}

// pair connects a server to an in-memory client end and runs both
type pair struct {
	server *Server
	client *transport.InMemoryTransport
}

func connect(t *testing.T, reg *registry.Registry, opts ...ServerOption) *pair {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clientEnd, serverEnd := transport.NewInMemoryPair(logger)

	opts = append([]ServerOption{WithLogger(logger), WithName("test")}, opts...)
	srv := New(serverEnd, reg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = srv.Serve(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = clientEnd.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Stop(context.Background())
		_ = clientEnd.Stop(context.Background())
		wg.Wait()
	})
	return &pair{server: srv, client: clientEnd}
}

func (p *pair) initialize(t *testing.T, caps protocol.ClientCapabilities) *protocol.InitializeResult {
	t.Helper()
	raw := p.request(t, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      protocol.Implementation{Name: "test-client", Version: "1.0"},
	})
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NoError(t, p.client.SendNotification(context.Background(), protocol.MethodInitialized, nil))
	return &result
}

func (p *pair) request(t *testing.T, method string, params interface{}) json.RawMessage {
	t.Helper()
	raw, err := p.call(method, params)
	require.NoError(t, err)
	return raw
}

func (p *pair) call(method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.client.SendRequest(ctx, method, params)
}

func (p *pair) callTool(t *testing.T, name string, args map[string]interface{}) *protocol.CallToolResult {
	t.Helper()
	raw := p.request(t, protocol.MethodCallTool, protocol.CallToolParams{Name: name, Arguments: args})
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return &result
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr), "not a JSON-RPC error: %v", err)
	return int(rpcErr.Code)
}

func TestAddOverInMemoryTransport(t *testing.T) {
	p := connect(t, calculator(t))
	p.initialize(t, protocol.ClientCapabilities{})

	result := p.callTool(t, "add", map[string]interface{}{"a": 2, "b": 3})
	require.Len(t, result.Content, 1)
	assert.Equal(t, protocol.ContentTypeText, result.Content[0].Type)
	assert.Equal(t, "5", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestInitialize(t *testing.T) {
	p := connect(t, calculator(t), WithInstructions("adds numbers"), WithVersion("1.2.3"))
	result := p.initialize(t, protocol.ClientCapabilities{})

	assert.Equal(t, protocol.LatestProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test", result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", result.ServerInfo.Version)
	assert.Equal(t, "adds numbers", result.Instructions)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Logging)
	assert.Nil(t, result.Capabilities.Resources)
	assert.Nil(t, result.Capabilities.Prompts)
	assert.Equal(t, "test-client", p.server.ClientInfo().Name)
}

func TestInitializeUnknownVersion(t *testing.T) {
	p := connect(t, calculator(t))
	raw := p.request(t, protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: "1999-01-01"})

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, protocol.LatestProtocolVersion, result.ProtocolVersion)
}

func TestRequestsBeforeInitialize(t *testing.T) {
	p := connect(t, calculator(t))

	_, err := p.call(protocol.MethodListTools, nil)
	assert.Equal(t, mcperrors.CodeServerNotReady, rpcCode(t, err))

	_, err = p.call(protocol.MethodPing, nil)
	assert.NoError(t, err)
}

func TestCallToolErrors(t *testing.T) {
	reg := calculator(t)
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "fail"},
		func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) {
			return nil, errors.New("disk on fire")
		})))
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "panic"},
		func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) {
			panic("boom")
		})))

	p := connect(t, reg)
	p.initialize(t, protocol.ClientCapabilities{})

	tests := []struct {
		name   string
		params protocol.CallToolParams
		code   int
	}{
		{"unknown tool", protocol.CallToolParams{Name: "subtract"}, mcperrors.CodeInvalidParams},
		{"missing name", protocol.CallToolParams{}, mcperrors.CodeInvalidParams},
		{"missing argument", protocol.CallToolParams{Name: "add", Arguments: map[string]interface{}{"a": 1}}, mcperrors.CodeInvalidParams},
		{"wrong type", protocol.CallToolParams{Name: "add", Arguments: map[string]interface{}{"a": "x", "b": 1}}, mcperrors.CodeInvalidParams},
		{"panic", protocol.CallToolParams{Name: "panic"}, mcperrors.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.call(protocol.MethodCallTool, tt.params)
			assert.Equal(t, tt.code, rpcCode(t, err))
		})
	}

	t.Run("handler error is a result", func(t *testing.T) {
		result := p.callTool(t, "fail", nil)
		assert.True(t, result.IsError)
		require.Len(t, result.Content, 1)
		assert.Contains(t, result.Content[0].Text, "disk on fire")
	})

	t.Run("server survives panic", func(t *testing.T) {
		assert.Equal(t, "5", p.callTool(t, "add", map[string]interface{}{"a": 2, "b": 3}).Content[0].Text)
	})
}

func TestResources(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddResource(registry.NewResource("config://app", "app config",
		func(context.Context) (string, error) { return "debug=true", nil })))
	require.NoError(t, reg.AddResourceTemplate(registry.NewTemplate("users://{id}/profile", "profile",
		func(_ context.Context, params map[string]string) (string, error) {
			return "user " + params["id"], nil
		})))

	p := connect(t, reg)
	result := p.initialize(t, protocol.ClientCapabilities{})
	assert.NotNil(t, result.Capabilities.Resources)
	assert.Nil(t, result.Capabilities.Tools)

	read := func(uri string) (*protocol.ReadResourceResult, error) {
		raw, err := p.call(protocol.MethodReadResource, protocol.ReadResourceParams{URI: uri})
		if err != nil {
			return nil, err
		}
		var r protocol.ReadResourceResult
		require.NoError(t, json.Unmarshal(raw, &r))
		return &r, nil
	}

	static, err := read("config://app")
	require.NoError(t, err)
	require.Len(t, static.Contents, 1)
	assert.Equal(t, "debug=true", static.Contents[0].Text)

	templated, err := read("users://42/profile")
	require.NoError(t, err)
	require.Len(t, templated.Contents, 1)
	assert.Equal(t, "user 42", templated.Contents[0].Text)
	assert.Equal(t, "users://42/profile", templated.Contents[0].URI)

	_, err = read("users://42/settings")
	assert.Equal(t, mcperrors.CodeResourceNotFound, rpcCode(t, err))

	var list protocol.ListResourceTemplatesResult
	require.NoError(t, json.Unmarshal(p.request(t, protocol.MethodListResourceTemplates, nil), &list))
	require.Len(t, list.ResourceTemplates, 1)
	assert.Equal(t, "users://{id}/profile", list.ResourceTemplates[0].URITemplate)
}

func TestPrompts(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddPrompt(registry.NewPrompt("greet", "Say hello",
		[]protocol.PromptArgument{{Name: "name", Required: true}},
		func(_ context.Context, args map[string]string) ([]protocol.PromptMessage, error) {
			return []protocol.PromptMessage{protocol.UserMessage("Hello " + args["name"])}, nil
		})))

	p := connect(t, reg)
	p.initialize(t, protocol.ClientCapabilities{})

	raw := p.request(t, protocol.MethodGetPrompt, protocol.GetPromptParams{
		Name:      "greet",
		Arguments: map[string]string{"name": "Ada"},
	})
	var result protocol.GetPromptResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "Say hello", result.Description)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "Hello Ada", result.Messages[0].Content.Text)

	_, err := p.call(protocol.MethodGetPrompt, protocol.GetPromptParams{Name: "greet"})
	assert.Equal(t, mcperrors.CodeInvalidParams, rpcCode(t, err))

	_, err = p.call(protocol.MethodGetPrompt, protocol.GetPromptParams{Name: "farewell"})
	assert.Equal(t, mcperrors.CodeInvalidParams, rpcCode(t, err))
}

func TestListPagination(t *testing.T) {
	reg := registry.New(registry.WithPageSize(1))
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: name},
			func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) { return nil, nil })))
	}
	srv := New(nil, reg)

	var names []string
	cursor := ""
	for i := 0; i < 5; i++ {
		raw, err := srv.Dispatch(context.Background(), protocol.MethodListTools, protocol.PaginatedParams{Cursor: cursor})
		require.NoError(t, err)
		var page protocol.ListToolsResult
		require.NoError(t, json.Unmarshal(raw, &page))
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if cursor = page.NextCursor; cursor == "" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err := srv.Dispatch(context.Background(), protocol.MethodListTools, protocol.PaginatedParams{Cursor: "garbage"})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestDispatch(t *testing.T) {
	srv := New(nil, calculator(t))

	raw, err := srv.Dispatch(context.Background(), protocol.MethodCallTool, protocol.CallToolParams{
		Name:      "add",
		Arguments: map[string]interface{}{"a": 40, "b": 2},
	})
	require.NoError(t, err)
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "42", result.Content[0].Text)

	_, err = srv.Dispatch(context.Background(), "tools/delete", nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeMethodNotFound))

	_, err = srv.Dispatch(context.Background(), protocol.MethodSetLogLevel, protocol.SetLevelParams{Level: "loud"})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestContextFromOutsideRequest(t *testing.T) {
	rc := ContextFrom(context.Background())
	require.NotNil(t, rc)
	rc.Info("nobody listens")
	rc.ReportProgress(1, 2, "")
	_, err := rc.Sample(protocol.CreateMessageParams{})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeProviderNotConfigured))
}

func TestCancelledNotification(t *testing.T) {
	started := make(chan struct{})
	reg := registry.New()
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "wait"},
		func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})))
	srv := New(nil, reg)
	_, err := srv.Dispatch(context.Background(), protocol.MethodInitialize, protocol.InitializeParams{})
	require.NoError(t, err)

	handler := srv.wrap(protocol.MethodCallTool, srv.handleCallTool)
	ctx := logging.ContextWithRequestID(context.Background(), "7")

	errc := make(chan error, 1)
	go func() {
		_, err := handler(ctx, json.RawMessage(`{"name":"wait"}`))
		errc <- err
	}()

	<-started
	require.NoError(t, srv.handleCancelled(context.Background(), json.RawMessage(`{"requestId":7,"reason":"user"}`)))

	select {
	case err := <-errc:
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("tool was not cancelled")
	}
	assert.False(t, srv.cancelRequest("7"), "request still tracked")
}
