package transport

import (
	"context"
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestHelperProcess is not a real test. It runs as the child server for
// the command transport tests.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv("MCPHOST_HELPER_PROCESS") {
	case "1":
	case "answer-once":
		answerOnce()
		return
	default:
		return
	}
	tr := NewStdioTransport(os.Stdin, os.Stdout, zap.NewNop())
	tr.RegisterRequestHandler("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return params, nil
	})
	_, _ = os.Stderr.WriteString("helper ready\n")
	_ = tr.Start(context.Background())
	os.Exit(0)
}

// answerOnce replies to the first request and exits straight after writing
// the reply
func answerOnce() {
	line, _ := bufio.NewReader(os.Stdin).ReadBytes('\n')
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(line, &req)
	fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%s,"result":{"last":true}}`+"\n", req.ID)
	_, _ = os.Stderr.WriteString("helper exiting\n")
	os.Exit(0)
}

func helperConfig(t *testing.T) TransportConfig {
	return TransportConfig{
		Type:    TransportTypeCommand,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     map[string]string{"MCPHOST_HELPER_PROCESS": "1"},
		Logger:  zaptest.NewLogger(t),
	}
}

func TestCommandTransport_RoundTrip(t *testing.T) {
	tr := NewCommandTransport(helperConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := tr.SendRequest(ctx, "echo", nil)
	require.Error(t, err, "requests before Initialize must fail")

	require.NoError(t, tr.Initialize(ctx))
	go func() { _ = tr.Start(ctx) }()

	result, err := tr.SendRequest(ctx, "echo", map[string]string{"hello": "child"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"child"}`, string(result))

	require.NoError(t, tr.Stop(ctx))
	assert.NoError(t, tr.ExitErr())
}

func TestCommandTransport_MissingBinary(t *testing.T) {
	tr := NewCommandTransport(TransportConfig{Type: TransportTypeCommand, Command: "/nonexistent/mcp-server"})
	err := tr.Initialize(context.Background())
	assert.Error(t, err)
	assert.NoError(t, tr.Stop(context.Background()))
}

func TestCommandTransport_DeliversOutputWrittenBeforeExit(t *testing.T) {
	cfg := helperConfig(t)
	cfg.Env = map[string]string{"MCPHOST_HELPER_PROCESS": "answer-once"}

	for i := 0; i < 5; i++ {
		tr := NewCommandTransport(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		require.NoError(t, tr.Initialize(ctx))
		started := make(chan error, 1)
		go func() { started <- tr.Start(ctx) }()

		result, err := tr.SendRequest(ctx, "finish", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"last":true}`, string(result))

		select {
		case err := <-started:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("reader did not stop after the child exited")
		}
		require.NoError(t, tr.Stop(ctx))
		assert.NoError(t, tr.ExitErr())
		cancel()
	}
}
