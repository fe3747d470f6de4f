package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mcpmacos/mcphost/pkg/logging"
)

// Middleware represents a transport middleware that can wrap a transport
// to add behavior around outbound calls.
type Middleware interface {
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together; the first is outermost
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport delegates everything to next
type middlewareTransport struct {
	next Transport
}

func (m *middlewareTransport) Initialize(ctx context.Context) error {
	return m.next.Initialize(ctx)
}

func (m *middlewareTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return m.next.SendRequest(ctx, method, params)
}

func (m *middlewareTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return m.next.SendNotification(ctx, method, params)
}

func (m *middlewareTransport) Start(ctx context.Context) error {
	return m.next.Start(ctx)
}

func (m *middlewareTransport) Stop(ctx context.Context) error {
	return m.next.Stop(ctx)
}

func (m *middlewareTransport) RegisterRequestHandler(method string, handler RequestHandler) {
	m.next.RegisterRequestHandler(method, handler)
}

func (m *middlewareTransport) RegisterNotificationHandler(method string, handler NotificationHandler) {
	m.next.RegisterNotificationHandler(method, handler)
}

// Unwrap returns the wrapped transport
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

type loggingTransport struct {
	middlewareTransport
	logger *zap.Logger
}

// NewLoggingMiddleware logs every outbound request with its duration and outcome
func NewLoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return MiddlewareFunc(func(next Transport) Transport {
		return &loggingTransport{middlewareTransport: middlewareTransport{next: next}, logger: logger}
	})
}

func (l *loggingTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := l.next.SendRequest(ctx, method, params)
	fields := []zap.Field{zap.String("method", method), zap.Duration("duration", time.Since(start))}
	if err != nil {
		l.logger.Debug("request failed", append(fields, logging.ErrorFields(err)...)...)
		return nil, err
	}
	l.logger.Debug("request completed", fields...)
	return result, nil
}

type timeoutTransport struct {
	middlewareTransport
	timeout time.Duration
}

// NewTimeoutMiddleware bounds SendRequest by timeout when the caller's
// context carries no deadline. Zero selects DefaultRequestTimeout.
func NewTimeoutMiddleware(timeout time.Duration) Middleware {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return MiddlewareFunc(func(next Transport) Transport {
		return &timeoutTransport{middlewareTransport: middlewareTransport{next: next}, timeout: timeout}
	})
}

func (t *timeoutTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.next.SendRequest(ctx, method, params)
}
