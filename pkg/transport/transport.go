package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
)

// Transport defines the core interface for MCP transport mechanisms.
type Transport interface {
	// Initialize prepares the transport for use. Command transports spawn
	// their child process here.
	Initialize(ctx context.Context) error

	// SendRequest sends a request and waits for the matching response. A
	// JSON-RPC error reply is returned as *protocol.Error.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	SendNotification(ctx context.Context, method string, params interface{}) error

	RegisterRequestHandler(method string, handler RequestHandler)
	RegisterNotificationHandler(method string, handler NotificationHandler)

	// Start reads inbound messages until the peer disconnects, ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RequestHandler handles incoming requests
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler handles incoming notifications
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// TransportType identifies the base transport implementation
type TransportType string

const (
	TransportTypeStdio          TransportType = "stdio"
	TransportTypeCommand        TransportType = "command"
	TransportTypeStreamableHTTP TransportType = "streamable_http"
)

// DefaultRequestTimeout bounds SendRequest when the caller's context has no deadline
const DefaultRequestTimeout = 60 * time.Second

// TransportConfig is the unified configuration for client-side transports
type TransportConfig struct {
	Type TransportType `json:"type"`

	// Endpoint is the URL of a streamable HTTP server
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// Command, Args and Env launch a child process speaking stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`

	// Custom reader/writer for stdio; os.Stdin/os.Stdout when nil
	StdioReader io.Reader `json:"-"`
	StdioWriter io.Writer `json:"-"`

	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
	Logger         *zap.Logger   `json:"-"`
}

// Errors
var (
	ErrUnsupportedMethod        = errors.New("unsupported method")
	ErrUnsupportedTransportType = errors.New("unsupported transport type")
)

// NewTransport creates a transport from config and wraps it with request logging
func NewTransport(config TransportConfig) (Transport, error) {
	if err := validateTransportConfig(config); err != nil {
		return nil, err
	}

	var base Transport
	switch config.Type {
	case TransportTypeStdio:
		base = NewStdioTransport(config.StdioReader, config.StdioWriter, config.Logger)
	case TransportTypeCommand:
		base = NewCommandTransport(config)
	case TransportTypeStreamableHTTP:
		base = NewHTTPClientTransport(config)
	default:
		return nil, ErrUnsupportedTransportType
	}

	return ChainMiddleware(
		NewTimeoutMiddleware(config.RequestTimeout),
		NewLoggingMiddleware(config.Logger),
	).Wrap(base), nil
}

func validateTransportConfig(config TransportConfig) error {
	switch config.Type {
	case TransportTypeStdio:
		return nil
	case TransportTypeCommand:
		if config.Command == "" {
			return errors.New("command is required for command transports")
		}
		return nil
	case TransportTypeStreamableHTTP:
		if config.Endpoint == "" {
			return errors.New("endpoint is required for HTTP transports")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTransportType, config.Type)
	}
}

// SendFunc writes one encoded frame to the peer
type SendFunc func(data []byte) error

// BaseTransport provides common functionality for all transport implementations.
// It handles request/response management, handler registration, and ID generation.
type BaseTransport struct {
	sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	nextID               int64
	pendingRequests      map[string]chan *protocol.Response
	requestIDPrefix      string
	logger               *zap.Logger
	inflight             sync.WaitGroup
	closed               bool
}

// NewBaseTransport creates a new BaseTransport
func NewBaseTransport(logger *zap.Logger) *BaseTransport {
	return &BaseTransport{
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		nextID:               1,
		pendingRequests:      make(map[string]chan *protocol.Response),
		requestIDPrefix:      "req",
		logger:               logging.OrNop(logger),
	}
}

// Logger returns the transport's logger
func (t *BaseTransport) Logger() *zap.Logger {
	return t.logger
}

// RegisterRequestHandler registers a handler for incoming requests
func (t *BaseTransport) RegisterRequestHandler(method string, handler RequestHandler) {
	t.Lock()
	defer t.Unlock()
	t.requestHandlers[method] = handler
}

// RegisterNotificationHandler registers a handler for incoming notifications
func (t *BaseTransport) RegisterNotificationHandler(method string, handler NotificationHandler) {
	t.Lock()
	defer t.Unlock()
	t.notificationHandlers[method] = handler
}

// GetNextID returns the next unique ID
func (t *BaseTransport) GetNextID() int64 {
	t.Lock()
	defer t.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// GenerateID generates a unique request ID
func (t *BaseTransport) GenerateID() string {
	return fmt.Sprintf("%s_%d", t.requestIDPrefix, t.GetNextID())
}

// HandleRequest runs the handler for request and builds its response.
// Unknown methods yield MethodNotFound and panics become internal errors.
func (t *BaseTransport) HandleRequest(ctx context.Context, request *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in request handler",
				zap.String("method", request.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = protocol.NewErrorResponse(request.ID, &protocol.Error{
				Code:    protocol.InternalError,
				Message: fmt.Sprintf("Internal server error processing %s", request.Method),
			})
		}
	}()

	t.RLock()
	handler, ok := t.requestHandlers[request.Method]
	t.RUnlock()

	if !ok {
		return protocol.NewErrorResponse(request.ID, mcperrors.ToJSONRPCError(mcperrors.MethodNotFound(request.Method)))
	}

	ctx = logging.ContextWithRequestID(ctx, fmt.Sprint(request.ID))
	result, err := handler(ctx, request.Params)
	if err != nil {
		resp, _ := mcperrors.ToJSONRPCResponse(err, request.ID)
		return resp
	}

	response, err := protocol.NewResponse(request.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(request.ID, &protocol.Error{
			Code:    protocol.InternalError,
			Message: fmt.Sprintf("failed to marshal result: %v", err),
		})
	}
	return response
}

// HandleNotification processes an incoming notification with panic recovery
func (t *BaseTransport) HandleNotification(ctx context.Context, notification *protocol.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error processing notification %s: %v", notification.Method, r)
		}
	}()

	t.RLock()
	handler, ok := t.notificationHandlers[notification.Method]
	t.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, notification.Method)
	}
	return handler(ctx, notification.Params)
}

// HandleResponse delivers response to the SendRequest waiting on its ID
func (t *BaseTransport) HandleResponse(response *protocol.Response) {
	key := fmt.Sprint(response.ID)
	t.Lock()
	ch, ok := t.pendingRequests[key]
	if ok {
		delete(t.pendingRequests, key)
	}
	t.Unlock()

	if !ok {
		t.logger.Debug("dropping response for unknown request", zap.String("id", key))
		return
	}
	ch <- response
}

// HandleMessage processes one inbound frame and returns the frame to send
// back, or nil when nothing is owed. Batches run their requests concurrently
// and answer with an array in request order.
func (t *BaseTransport) HandleMessage(ctx context.Context, data []byte) []byte {
	switch protocol.Classify(data) {
	case protocol.KindRequest:
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return t.encode(protocol.NewErrorResponse(nil, &protocol.Error{Code: protocol.InvalidRequest, Message: err.Error()}))
		}
		return t.encode(t.HandleRequest(ctx, &req))

	case protocol.KindNotification:
		var n protocol.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			t.logger.Debug("dropping malformed notification", zap.Error(err))
			return nil
		}
		if err := t.HandleNotification(ctx, &n); err != nil {
			if errors.Is(err, ErrUnsupportedMethod) {
				t.logger.Debug("ignoring notification", zap.String("method", n.Method))
			} else {
				t.logger.Warn("notification handler failed", zap.String("method", n.Method), zap.Error(err))
			}
		}
		return nil

	case protocol.KindResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("dropping malformed response", zap.Error(err))
			return nil
		}
		t.HandleResponse(&resp)
		return nil

	case protocol.KindBatch:
		return t.handleBatch(ctx, data)

	default:
		code := protocol.InvalidRequest
		if !json.Valid(data) {
			code = protocol.ParseError
		}
		return t.encode(protocol.NewErrorResponse(nil, &protocol.Error{Code: code, Message: "invalid JSON-RPC message"}))
	}
}

func (t *BaseTransport) handleBatch(ctx context.Context, data []byte) []byte {
	items, err := protocol.SplitBatch(data)
	if err != nil {
		return t.encode(protocol.NewErrorResponse(nil, &protocol.Error{Code: protocol.InvalidRequest, Message: err.Error()}))
	}

	replies := make([]json.RawMessage, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		if protocol.Classify(item) == protocol.KindBatch {
			replies[i] = t.encode(protocol.NewErrorResponse(nil, &protocol.Error{Code: protocol.InvalidRequest, Message: "nested batch"}))
			continue
		}
		wg.Add(1)
		go func(i int, item json.RawMessage) {
			defer wg.Done()
			replies[i] = t.HandleMessage(ctx, item)
		}(i, item)
	}
	wg.Wait()

	out := make([]json.RawMessage, 0, len(replies))
	for _, r := range replies {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		t.logger.Error("failed to encode batch response", zap.Error(err))
		return nil
	}
	return encoded
}

// Dispatch is HandleMessage for streaming transports. Requests run on their
// own goroutine so a handler may issue requests back to the peer while the
// read loop keeps delivering responses; everything else is handled inline.
func (t *BaseTransport) Dispatch(ctx context.Context, data []byte, send SendFunc) {
	kind := protocol.Classify(data)
	if kind != protocol.KindRequest && kind != protocol.KindBatch {
		if reply := t.HandleMessage(ctx, data); reply != nil {
			t.reply(send, reply)
		}
		return
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		if reply := t.HandleMessage(ctx, data); reply != nil {
			t.reply(send, reply)
		}
	}()
}

func (t *BaseTransport) reply(send SendFunc, data []byte) {
	if err := send(data); err != nil {
		t.logger.Warn("failed to send reply", zap.Error(err))
	}
}

// WaitInflight blocks until every request started by Dispatch has replied
func (t *BaseTransport) WaitInflight() {
	t.inflight.Wait()
}

func (t *BaseTransport) encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("failed to encode message", zap.Error(err))
		return nil
	}
	return data
}

// Call sends a request through send and waits for its response
func (t *BaseTransport) Call(ctx context.Context, method string, params interface{}, send SendFunc) (json.RawMessage, error) {
	id := t.GenerateID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshalling request: %w", err)
	}

	ch := make(chan *protocol.Response, 1)
	t.Lock()
	if t.closed {
		t.Unlock()
		return nil, mcperrors.ConnectionLost("transport", nil)
	}
	t.pendingRequests[id] = ch
	t.Unlock()

	if err := send(data); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, mcperrors.ConnectionLost("transport", errors.New("closed while waiting for response"))
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}

// Notify encodes a notification and passes it to send
func (t *BaseTransport) Notify(method string, params interface{}, send SendFunc) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("error creating notification: %w", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("error marshalling notification: %w", err)
	}
	return send(data)
}

func (t *BaseTransport) forget(id string) {
	t.Lock()
	delete(t.pendingRequests, id)
	t.Unlock()
}

// Cleanup fails every pending request and refuses new ones
func (t *BaseTransport) Cleanup() {
	t.Lock()
	defer t.Unlock()
	t.closed = true
	for id, ch := range t.pendingRequests {
		close(ch)
		delete(t.pendingRequests, id)
	}
}
