package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

// Observer is told about every dispatched method. target is the tool name,
// resource URI or prompt name when the method has one. The returned function
// is called with the outcome once the method finishes.
type Observer interface {
	Observe(ctx context.Context, method, target string) (context.Context, func(err error))
}

type methodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server dispatches MCP requests arriving on a transport to the capabilities
// held by a registry.
type Server struct {
	transport    transport.Transport
	registry     *registry.Registry
	name         string
	version      string
	instructions string
	logger       *zap.Logger
	observer     Observer
	methods      map[string]methodFunc

	// Server state
	mu              sync.RWMutex
	initialized     bool
	clientInfo      protocol.Implementation
	clientCaps      protocol.ClientCapabilities
	protocolVersion string
	logLevel        protocol.LoggingLevel

	// Request tracking for cancellation
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// ServerOption defines options for creating a server
type ServerOption func(*Server)

// WithName sets the server name reported by initialize
func WithName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the instructions returned by initialize
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logging.OrNop(logger)
	}
}

// WithObserver installs metrics or tracing around every method
func WithObserver(o Observer) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// WithLogLevel sets the initial threshold for notifications/message
func WithLogLevel(level protocol.LoggingLevel) ServerOption {
	return func(s *Server) {
		if level.Valid() {
			s.logLevel = level
		}
	}
}

// New creates a server for reg. When t is non-nil every MCP method is
// registered on it; a nil transport leaves the server usable through
// Dispatch only.
func New(t transport.Transport, reg *registry.Registry, options ...ServerOption) *Server {
	s := &Server{
		transport: t,
		registry:  reg,
		name:      "mcphost",
		version:   "dev",
		logger:    zap.NewNop(),
		logLevel:  protocol.LevelInfo,
		active:    make(map[string]context.CancelFunc),
	}
	for _, option := range options {
		option(s)
	}

	s.methods = map[string]methodFunc{
		protocol.MethodInitialize:            s.handleInitialize,
		protocol.MethodPing:                  s.handlePing,
		protocol.MethodSetLogLevel:           s.handleSetLogLevel,
		protocol.MethodListTools:             s.handleListTools,
		protocol.MethodCallTool:              s.handleCallTool,
		protocol.MethodListResources:         s.handleListResources,
		protocol.MethodListResourceTemplates: s.handleListResourceTemplates,
		protocol.MethodReadResource:          s.handleReadResource,
		protocol.MethodListPrompts:           s.handleListPrompts,
		protocol.MethodGetPrompt:             s.handleGetPrompt,
	}

	if t != nil {
		for method, fn := range s.methods {
			t.RegisterRequestHandler(method, s.wrap(method, fn))
		}
		t.RegisterNotificationHandler(protocol.MethodInitialized, s.handleInitialized)
		t.RegisterNotificationHandler(protocol.MethodCancelled, s.handleCancelled)
	}
	return s
}

// Registry returns the registry the server dispatches to
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Serve initializes the transport and blocks reading from it until ctx is
// cancelled or the peer disconnects.
func (s *Server) Serve(ctx context.Context) error {
	if s.transport == nil {
		return mcperrors.TransportNotInitialized("server")
	}
	if err := s.transport.Initialize(ctx); err != nil {
		return mcperrors.TransportError("server", "initialization", err).
			WithContext(&mcperrors.Context{
				Component: "Server",
				Operation: "Serve",
				Timestamp: time.Now(),
			}).
			WithDetail(fmt.Sprintf("Transport type: %T", s.transport))
	}

	tools, resources, templates, prompts := s.registry.Counts()
	s.logger.Info("server starting",
		zap.String("name", s.name),
		zap.Int("tools", tools),
		zap.Int("resources", resources),
		zap.Int("templates", templates),
		zap.Int("prompts", prompts),
	)
	return s.transport.Start(ctx)
}

// Stop cancels in-flight requests and stops the transport
func (s *Server) Stop(ctx context.Context) error {
	s.activeMu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.active = make(map[string]context.CancelFunc)
	s.activeMu.Unlock()

	if s.transport == nil {
		return nil
	}
	return s.transport.Stop(ctx)
}

// Dispatch runs method in-process, as if a client had sent it, and returns
// the encoded result. It skips the initialize handshake.
func (s *Server) Dispatch(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	fn, ok := s.methods[method]
	if !ok {
		return nil, mcperrors.MethodNotFound(method)
	}

	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, mcperrors.InvalidParams(method, err)
		}
	}

	result, err := s.invoke(ctx, method, raw, fn)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, mcperrors.CreateInternalError("encode_result", err)
	}
	return data, nil
}

// wrap adapts a method to a transport handler: initialize gating,
// cancellation tracking and a request Context.
func (s *Server) wrap(method string, fn methodFunc) transport.RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if method != protocol.MethodInitialize && method != protocol.MethodPing && !s.isInitialized() {
			return nil, mcperrors.ServerNotReady(method)
		}

		requestID := logging.RequestIDFromContext(ctx)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if requestID != "" {
			s.trackRequest(requestID, cancel)
			defer s.completeRequest(requestID)
		}

		return s.invoke(ctx, method, params, fn)
	}
}

func (s *Server) invoke(ctx context.Context, method string, params json.RawMessage, fn methodFunc) (result interface{}, err error) {
	rc := &Context{
		server:    s,
		requestID: logging.RequestIDFromContext(ctx),
		token:     progressToken(params),
	}
	ctx = context.WithValue(ctx, contextKey{}, rc)
	ctx = logging.ContextWithLogger(ctx, s.logger.With(zap.String("method", method)))
	rc.ctx = ctx

	if s.observer != nil {
		var done func(error)
		ctx, done = s.observer.Observe(ctx, method, targetOf(method, params))
		rc.ctx = ctx
		defer func() { done(err) }()
	}

	start := time.Now()
	result, err = fn(ctx, params)
	if err != nil {
		logging.FromContext(ctx).Debug("method failed",
			append(logging.ErrorFields(err), zap.Duration("duration", time.Since(start)))...)
		return nil, err
	}
	logging.FromContext(ctx).Debug("method completed", zap.Duration("duration", time.Since(start)))
	return result, nil
}

// progressToken extracts _meta.progressToken from any request params
func progressToken(params json.RawMessage) interface{} {
	if len(params) == 0 {
		return nil
	}
	var p struct {
		Meta *protocol.RequestMeta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Meta == nil {
		return nil
	}
	return p.Meta.ProgressToken
}

func targetOf(method string, params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	switch method {
	case protocol.MethodCallTool, protocol.MethodGetPrompt:
		return p.Name
	case protocol.MethodReadResource:
		return p.URI
	}
	return ""
}

func (s *Server) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// ClientInfo returns the name and version the client sent in initialize
func (s *Server) ClientInfo() protocol.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

func (s *Server) clientCapabilities() protocol.ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps
}

func (s *Server) currentLogLevel() protocol.LoggingLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logLevel
}

func (s *Server) trackRequest(requestID string, cancel context.CancelFunc) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[requestID] = cancel
}

func (s *Server) completeRequest(requestID string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, requestID)
}

// cancelRequest cancels a specific request by ID
func (s *Server) cancelRequest(requestID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	cancel, ok := s.active[requestID]
	if !ok {
		return false
	}
	cancel()
	delete(s.active, requestID)
	return true
}

func decodeParams(method string, params json.RawMessage, target interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return mcperrors.InvalidParams(method, err)
	}
	return nil
}
