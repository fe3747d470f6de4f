package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockTransport records outbound calls and answers them with sendRequestFunc
type mockTransport struct {
	*BaseTransport
	sendRequestFunc func(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	callCount       int
}

func newMockTransport() *mockTransport {
	return &mockTransport{BaseTransport: NewBaseTransport(nil)}
}

func (m *mockTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.callCount++
	if m.sendRequestFunc != nil {
		return m.sendRequestFunc(ctx, method, params)
	}
	return nil, errors.New("mock error")
}

func (m *mockTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	m.callCount++
	return nil
}

func (m *mockTransport) Initialize(ctx context.Context) error { return nil }

func (m *mockTransport) Start(ctx context.Context) error { return nil }

func (m *mockTransport) Stop(ctx context.Context) error { return nil }

func TestTimeoutMiddleware(t *testing.T) {
	mock := newMockTransport()
	mock.sendRequestFunc = func(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	tr := NewTimeoutMiddleware(30 * time.Millisecond).Wrap(mock)

	start := time.Now()
	_, err := tr.SendRequest(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	t.Run("caller deadline wins", func(t *testing.T) {
		var deadline time.Time
		mock.sendRequestFunc = func(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
			deadline, _ = ctx.Deadline()
			return json.RawMessage(`{}`), nil
		}
		want := time.Now().Add(time.Hour)
		ctx, cancel := context.WithDeadline(context.Background(), want)
		defer cancel()

		_, err := tr.SendRequest(ctx, "fast", nil)
		require.NoError(t, err)
		assert.True(t, deadline.Equal(want))
	})
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mock := newMockTransport()
	mock.sendRequestFunc = func(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
		if method == "bad" {
			return nil, errors.New("nope")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}

	tr := NewLoggingMiddleware(zap.New(core)).Wrap(mock)

	result, err := tr.SendRequest(context.Background(), "good", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	_, err = tr.SendRequest(context.Background(), "bad", nil)
	assert.Error(t, err)

	assert.Equal(t, 1, logs.FilterMessage("request completed").Len())
	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].ContextMap()["method"])
}

func TestMiddlewareChaining(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return MiddlewareFunc(func(next Transport) Transport {
			order = append(order, name)
			return next
		})
	}

	mock := newMockTransport()
	ChainMiddleware(record("outer"), record("inner")).Wrap(mock)

	// Wrapping starts at the innermost layer.
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestMiddlewareDelegatesHandlers(t *testing.T) {
	mock := newMockTransport()
	tr := ChainMiddleware(NewTimeoutMiddleware(0), NewLoggingMiddleware(nil)).Wrap(mock)

	tr.RegisterRequestHandler("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "hi", nil
	})
	reply := mock.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"hi"}`, string(reply))

	require.NoError(t, tr.SendNotification(context.Background(), "note", nil))
	assert.Equal(t, 1, mock.callCount)
}
