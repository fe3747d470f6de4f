package compose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcpmacos/mcphost/pkg/client"
	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/server"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

func mailRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "list_accounts"},
		func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) {
			return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent("work")}}, nil
		})))
	require.NoError(t, reg.AddResource(registry.NewResource("mail://accounts", "accounts",
		func(context.Context) (string, error) { return "work", nil })))
	require.NoError(t, reg.AddResourceTemplate(registry.NewTemplate("mail://{mailbox}/messages", "messages",
		func(_ context.Context, p map[string]string) (string, error) { return "messages in " + p["mailbox"], nil })))
	require.NoError(t, reg.AddPrompt(registry.NewPrompt("triage_inbox", "Triage", nil,
		func(context.Context, map[string]string) ([]protocol.PromptMessage, error) {
			return []protocol.PromptMessage{protocol.UserMessage("triage")}, nil
		})))
	return reg
}

func TestPrefixURI(t *testing.T) {
	tests := []struct {
		prefix, in, want string
	}{
		{"m", "mail://INBOX/messages", "mail://m/INBOX/messages"},
		{"m", "mail://{mailbox}/messages", "mail://m/{mailbox}/messages"},
		{"m", "mail://accounts", "mail://m/accounts"},
		{"", "mail://accounts", "mail://accounts"},
	}
	for _, tt := range tests {
		got, err := PrefixURI(tt.prefix, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)

		back, ok := StripURIPrefix(tt.prefix, got)
		assert.True(t, ok)
		assert.Equal(t, tt.in, back)
	}

	_, err := PrefixURI("m", "no-scheme")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeValidationError))

	_, ok := StripURIPrefix("m", "mail://other/accounts")
	assert.False(t, ok)
}

func TestImportWithPrefix(t *testing.T) {
	parent := registry.New()
	require.NoError(t, Import(parent, mailRegistry(t), "mail"))

	_, ok := parent.Tool("mail_list_accounts")
	assert.True(t, ok)
	_, ok = parent.Tool("list_accounts")
	assert.False(t, ok)
	_, ok = parent.Prompt("mail_triage_inbox")
	assert.True(t, ok)

	handler, req, ok := parent.ResolveResource("mail://mail/INBOX/messages")
	require.True(t, ok)
	assert.Equal(t, "INBOX", req.Params["mailbox"])
	contents, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "messages in INBOX", contents[0].Text)
	assert.Equal(t, "mail://mail/INBOX/messages", contents[0].URI)

	handler, req, ok = parent.ResolveResource("mail://mail/accounts")
	require.True(t, ok)
	contents, err = handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mail://mail/accounts", contents[0].URI)
}

func TestImportWithoutPrefix(t *testing.T) {
	parent := registry.New()
	require.NoError(t, Import(parent, mailRegistry(t), ""))

	_, ok := parent.Tool("list_accounts")
	assert.True(t, ok)
	_, _, ok = parent.ResolveResource("mail://INBOX/messages")
	assert.True(t, ok)
}

func TestImportIsNotLive(t *testing.T) {
	parent := registry.New()
	child := mailRegistry(t)
	require.NoError(t, Import(parent, child, "mail"))

	require.NoError(t, child.AddTool(registry.NewRawTool(protocol.Tool{Name: "late"},
		func(context.Context, map[string]interface{}) (*protocol.CallToolResult, error) { return nil, nil })))

	_, ok := parent.Tool("mail_late")
	assert.False(t, ok)
}

func TestImportCollisionLeavesParentUntouched(t *testing.T) {
	parent := registry.New()
	require.NoError(t, parent.AddPrompt(registry.NewPrompt("mail_triage_inbox", "existing", nil,
		func(context.Context, map[string]string) ([]protocol.PromptMessage, error) { return nil, nil })))

	err := Import(parent, mailRegistry(t), "mail")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeResourceConflict), err.Error())

	tools, resources, templates, prompts := parent.Counts()
	assert.Equal(t, 0, tools)
	assert.Equal(t, 0, resources)
	assert.Equal(t, 0, templates)
	assert.Equal(t, 1, prompts)

	// A different prefix does not collide
	require.NoError(t, Import(parent, mailRegistry(t), "work"))
}

func TestProxyForwardsToRemote(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientEnd, serverEnd := transport.NewInMemoryPair(logger)
	srv := server.New(serverEnd, mailRegistry(t), server.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	remote := client.New(clientEnd, client.WithLogger(logger))
	require.NoError(t, remote.Initialize(ctx))
	defer func() {
		_ = remote.Close()
		cancel()
		<-done
	}()

	proxied, err := Proxy(ctx, remote)
	require.NoError(t, err)

	hub := registry.New()
	require.NoError(t, Import(hub, proxied, "remote"))

	tool, ok := hub.Tool("remote_list_accounts")
	require.True(t, ok)
	result, err := tool.Handler(ctx, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "work", result.Content[0].Text)

	handler, req, ok := hub.ResolveResource("mail://remote/Archive/messages")
	require.True(t, ok)
	contents, err := handler(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "messages in Archive", contents[0].Text)
	assert.Equal(t, "mail://remote/Archive/messages", contents[0].URI)

	prompt, ok := hub.Prompt("remote_triage_inbox")
	require.True(t, ok)
	rendered, err := prompt.Handler(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "triage", rendered.Messages[0].Content.Text)
}
