package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
)

// recorder collects notifications arriving at the client end
type recorder struct {
	mu       sync.Mutex
	logs     []protocol.LoggingMessageParams
	progress []protocol.ProgressParams
}

func (r *recorder) attach(p *pair) {
	p.client.RegisterNotificationHandler(protocol.MethodLog, func(_ context.Context, params json.RawMessage) error {
		var msg protocol.LoggingMessageParams
		if err := json.Unmarshal(params, &msg); err != nil {
			return err
		}
		r.mu.Lock()
		r.logs = append(r.logs, msg)
		r.mu.Unlock()
		return nil
	})
	p.client.RegisterNotificationHandler(protocol.MethodProgress, func(_ context.Context, params json.RawMessage) error {
		var msg protocol.ProgressParams
		if err := json.Unmarshal(params, &msg); err != nil {
			return err
		}
		r.mu.Lock()
		r.progress = append(r.progress, msg)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs), len(r.progress)
}

func chattyRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "work"},
		func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			rc := ContextFrom(ctx)
			rc.Debug("starting")
			rc.Log(protocol.LevelInfo, "halfway", map[string]interface{}{"step": 1})
			rc.ReportProgress(1, 2, "halfway")
			rc.Warning("almost done")
			rc.ReportProgress(2, 2, "")
			return protocol.ErrorResult("ok"), nil
		})))
	return reg
}

func TestLogNotifications(t *testing.T) {
	p := connect(t, chattyRegistry(t))
	rec := &recorder{}
	rec.attach(p)
	p.initialize(t, protocol.ClientCapabilities{})

	p.callTool(t, "work", nil)

	// debug is below the default threshold of info
	require.Eventually(t, func() bool {
		logs, _ := rec.counts()
		return logs == 2
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	first := rec.logs[0]
	rec.mu.Unlock()
	assert.Equal(t, protocol.LevelInfo, first.Level)
	assert.Equal(t, "test", first.Logger)
	data, ok := first.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "halfway", data["message"])
	assert.Equal(t, float64(1), data["step"])

	_, progress := rec.counts()
	assert.Zero(t, progress, "progress without a token")
}

func TestSetLevelFiltersLogs(t *testing.T) {
	p := connect(t, chattyRegistry(t))
	rec := &recorder{}
	rec.attach(p)
	p.initialize(t, protocol.ClientCapabilities{})

	p.request(t, protocol.MethodSetLogLevel, protocol.SetLevelParams{Level: protocol.LevelWarning})
	p.callTool(t, "work", nil)

	require.Eventually(t, func() bool {
		logs, _ := rec.counts()
		return logs == 1
	}, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, protocol.LevelWarning, rec.logs[0].Level)
}

func TestLevelHelpers(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "levels"},
		func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			rc := ContextFrom(ctx)
			rc.Debug("d")
			rc.Info("i")
			rc.Warning("w")
			rc.Error("e")
			return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent("done")}}, nil
		})))

	p := connect(t, reg)
	rec := &recorder{}
	rec.attach(p)
	p.initialize(t, protocol.ClientCapabilities{})
	p.request(t, protocol.MethodSetLogLevel, protocol.SetLevelParams{Level: protocol.LevelDebug})
	p.callTool(t, "levels", nil)

	require.Eventually(t, func() bool {
		logs, _ := rec.counts()
		return logs == 4
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []struct {
		level   protocol.LoggingLevel
		message string
	}{
		{protocol.LevelDebug, "d"},
		{protocol.LevelInfo, "i"},
		{protocol.LevelWarning, "w"},
		{protocol.LevelError, "e"},
	}
	for i, w := range want {
		assert.Equal(t, w.level, rec.logs[i].Level)
		data, ok := rec.logs[i].Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, w.message, data["message"])
	}
}

func TestProgressNotifications(t *testing.T) {
	p := connect(t, chattyRegistry(t))
	rec := &recorder{}
	rec.attach(p)
	p.initialize(t, protocol.ClientCapabilities{})

	p.request(t, protocol.MethodCallTool, protocol.CallToolParams{
		Name: "work",
		Meta: &protocol.RequestMeta{ProgressToken: "tok-1"},
	})

	require.Eventually(t, func() bool {
		_, progress := rec.counts()
		return progress == 2
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "tok-1", rec.progress[0].ProgressToken)
	assert.Equal(t, 1.0, rec.progress[0].Progress)
	assert.Equal(t, 2.0, rec.progress[0].Total)
	assert.Equal(t, "halfway", rec.progress[0].Message)
	assert.Equal(t, 2.0, rec.progress[1].Progress)
}

func samplingRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "summarize"},
		func(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
			text, _ := args["text"].(string)
			result, err := ContextFrom(ctx).Sample(protocol.CreateMessageParams{
				Messages:  []protocol.SamplingMessage{{Role: "user", Content: protocol.TextContent("Summarize: " + text)}},
				MaxTokens: 100,
			})
			if err != nil {
				return nil, err
			}
			return &protocol.CallToolResult{Content: []protocol.Content{result.Content}}, nil
		})))
	return reg
}

func TestSampling(t *testing.T) {
	p := connect(t, samplingRegistry(t))
	p.client.RegisterRequestHandler(protocol.MethodCreateMessage, func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var req protocol.CreateMessageParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return &protocol.CreateMessageResult{
			Role:    "assistant",
			Content: protocol.TextContent("short: " + req.Messages[0].Content.Text),
			Model:   "stub",
		}, nil
	})
	p.initialize(t, protocol.ClientCapabilities{Sampling: &protocol.SamplingCapability{}})

	result := p.callTool(t, "summarize", map[string]interface{}{"text": "a long story"})
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "short: Summarize: a long story", result.Content[0].Text)
}

func TestSamplingWithoutCapability(t *testing.T) {
	p := connect(t, samplingRegistry(t))
	p.initialize(t, protocol.ClientCapabilities{})

	result := p.callTool(t, "summarize", map[string]interface{}{"text": "x"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "sampling")
}

func TestReadResourceFromTool(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddResource(registry.NewResource("memo://today", "memo",
		func(context.Context) (string, error) { return "buy milk", nil })))
	require.NoError(t, reg.AddTool(registry.NewRawTool(protocol.Tool{Name: "recall"},
		func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			contents, err := ContextFrom(ctx).ReadResource("memo://today")
			if err != nil {
				return nil, err
			}
			return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(contents[0].Text)}}, nil
		})))

	srv := New(nil, reg)
	raw, err := srv.Dispatch(context.Background(), protocol.MethodCallTool, protocol.CallToolParams{Name: "recall"})
	require.NoError(t, err)
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "buy milk", result.Content[0].Text)
}
