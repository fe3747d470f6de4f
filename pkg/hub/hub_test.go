package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mcpmacos/mcphost/pkg/config"
	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/server"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

type cannedRunner map[string]string

func (r cannedRunner) Run(_ context.Context, _, script string, _ ...string) (string, error) {
	return r[script], nil
}

func notesRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	echo, err := registry.NewTool("echo", func(_ context.Context, args struct {
		Text string `json:"text"`
	}) (interface{}, error) {
		return args.Text, nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.AddTool(echo))
	require.NoError(t, reg.AddResource(registry.NewResource("notes://today", "today",
		func(context.Context) (string, error) { return "buy milk", nil })))
	return reg
}

// remotes serves a registry per prefix over in-memory transports
type remotes struct {
	servers map[string]*registry.Registry
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context
}

func newRemotes(t *testing.T, servers map[string]*registry.Registry) *remotes {
	ctx, cancel := context.WithCancel(context.Background())
	r := &remotes{servers: servers, ctx: ctx, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		r.wg.Wait()
	})
	return r
}

func (r *remotes) open(imp config.ImportConfig, logger *zap.Logger) (transport.Transport, error) {
	reg, ok := r.servers[imp.Prefix]
	if !ok {
		return nil, errors.New("no such remote")
	}
	clientEnd, serverEnd := transport.NewInMemoryPair(logger)
	srv := server.New(serverEnd, reg, server.WithLogger(logger), server.WithName(imp.Prefix))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = srv.Serve(r.ctx)
	}()
	return clientEnd, nil
}

func testConfig(imports ...config.ImportConfig) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{PageSize: 50},
		Mail:    config.MailConfig{Enabled: true},
		Imports: imports,
	}
}

func TestHubComposesMailAndImports(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := newRemotes(t, map[string]*registry.Registry{"notes": notesRegistry(t)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := New(ctx, testConfig(config.ImportConfig{Prefix: "notes", Command: "notes-server"}),
		WithLogger(logger),
		WithScriptRunner(cannedRunner{"list_accounts.applescript": "Work\n"}),
		WithTransportFactory(r.open))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	reg := h.Registry()
	_, ok := reg.Tool("list_accounts")
	assert.True(t, ok)

	echo, ok := reg.Tool("notes_echo")
	require.True(t, ok)
	result, err := echo.Handler(ctx, map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content[0].Text)

	handler, req, ok := reg.ResolveResource("notes://notes/today")
	require.True(t, ok)
	contents, err := handler(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", contents[0].Text)

	handler, req, ok = reg.ResolveResource("mail://accounts")
	require.True(t, ok)
	contents, err = handler(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Work", contents[0].Text)
}

func TestHubServesComposedRegistry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := newRemotes(t, map[string]*registry.Registry{"notes": notesRegistry(t)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(config.ImportConfig{Prefix: "notes", Command: "notes-server"})
	cfg.Mail.Enabled = false
	h, err := New(ctx, cfg, WithLogger(logger), WithTransportFactory(r.open))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	srv := server.New(nil, h.Registry())
	raw, err := srv.Dispatch(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      "notes_echo",
		Arguments: map[string]interface{}{"text": "through two servers"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "through two servers")
}

func TestHubImportFailure(t *testing.T) {
	r := newRemotes(t, map[string]*registry.Registry{"notes": notesRegistry(t)})

	_, err := New(context.Background(),
		testConfig(
			config.ImportConfig{Prefix: "notes", Command: "notes-server"},
			config.ImportConfig{Prefix: "missing", Command: "nothing"},
		),
		WithScriptRunner(cannedRunner{}),
		WithTransportFactory(r.open))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `import "missing"`)
}

func TestHubUnreachableImport(t *testing.T) {
	// The remote end hangs up before the handshake
	hangUp := func(imp config.ImportConfig, logger *zap.Logger) (transport.Transport, error) {
		clientEnd, serverEnd := transport.NewInMemoryPair(logger)
		_ = serverEnd.Stop(context.Background())
		return clientEnd, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx,
		testConfig(config.ImportConfig{Prefix: "gone", Command: "gone-server"}),
		WithScriptRunner(cannedRunner{}),
		WithTransportFactory(hangUp))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `import "gone"`)
	assert.Contains(t, err.Error(), "gone-server provider is unavailable")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeProviderUnavailable))
}

func TestHubPrefixCollision(t *testing.T) {
	mailLike := notesRegistry(t)
	require.NoError(t, mailLike.AddTool(registry.NewRawTool(protocol.Tool{Name: "list_accounts"},
		func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) { return nil, nil })))
	r := newRemotes(t, map[string]*registry.Registry{"": mailLike})

	_, err := New(context.Background(),
		testConfig(config.ImportConfig{Command: "clash"}),
		WithScriptRunner(cannedRunner{}),
		WithTransportFactory(r.open))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list_accounts")
}

func TestDefaultTransport(t *testing.T) {
	tr, err := DefaultTransport(config.ImportConfig{Prefix: "x", Command: "server-bin", Args: []string{"--stdio"}}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, tr)

	tr, err = DefaultTransport(config.ImportConfig{Prefix: "y", URL: "http://127.0.0.1:1/mcp"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, tr)

	_, err = DefaultTransport(config.ImportConfig{Prefix: "z"}, zap.NewNop())
	assert.Error(t, err)
}
