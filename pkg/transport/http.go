package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/protocol"
)

// SessionHeader carries the streamable HTTP session id
const SessionHeader = "Mcp-Session-Id"

const (
	defaultMCPPath        = "/mcp"
	defaultSSEPath        = "/sse"
	defaultMessagesPath   = "/messages"
	defaultSessionTimeout = 30 * time.Minute
	maxRequestBody        = 4 << 20
	sessionEventBuffer    = 64
	limiterIdleTTL        = 10 * time.Minute
)

// HTTPServerConfig configures an HTTPServer
type HTTPServerConfig struct {
	// Address is the listen address used by ListenAndServe
	Address string

	// Path is the streamable HTTP endpoint; "/mcp" when empty
	Path string

	// AllowedOrigins lists exact origins, or localhost patterns such as
	// "http://localhost" which match any port. "*" allows every origin.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string

	// RateLimit is the steady requests per second allowed per client IP;
	// zero disables limiting
	RateLimit float64
	RateBurst int

	// SessionTimeout expires idle sessions; 30 minutes when zero
	SessionTimeout time.Duration

	// LegacySSE mounts GET /sse and POST /messages for 2024-11-05 clients
	LegacySSE bool

	Logger *zap.Logger
}

// SessionFunc is called once for every new session, before its first
// message is dispatched. It typically binds a server to the session.
type SessionFunc func(session *HTTPSession) error

// HTTPServer serves MCP over streamable HTTP and, optionally, the legacy
// HTTP+SSE transport. Every client gets its own HTTPSession.
type HTTPServer struct {
	config    HTTPServerConfig
	logger    *zap.Logger
	onSession SessionFunc
	handler   http.Handler

	mu       sync.RWMutex
	sessions map[string]*HTTPSession

	limiterMu sync.Mutex
	limiters  map[string]*ipLimiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHTTPServer creates an HTTP server. onSession must not be nil.
func NewHTTPServer(config HTTPServerConfig, onSession SessionFunc) *HTTPServer {
	if config.Path == "" {
		config.Path = defaultMCPPath
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = defaultSessionTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"}
	}
	if config.RateLimit > 0 && config.RateBurst <= 0 {
		config.RateBurst = int(config.RateLimit) + 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		config:    config,
		logger:    logging.OrNop(config.Logger).With(zap.String("transport", "http")),
		onSession: onSession,
		sessions:  make(map[string]*HTTPSession),
		limiters:  make(map[string]*ipLimiter),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, s.handleMCP)
	if config.LegacySSE {
		mux.HandleFunc(defaultSSEPath, s.handleSSE)
		mux.HandleFunc(defaultMessagesPath, s.handleMessages)
	}
	s.handler = logging.HTTPMiddleware(s.logger)(s.guard(mux))

	go s.expireSessions()
	return s
}

// Handler returns the root handler, for mounting or httptest
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on config.Address until ctx is cancelled
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("address", s.config.Address), zap.String("path", s.config.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return mcperrors.ConnectionFailed("http", s.config.Address, err)
	case <-ctx.Done():
	}

	// Streams only end when their sessions close, so close them first.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close terminates every session and stops the expiry loop
func (s *HTTPServer) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.mu.Lock()
		sessions := make([]*HTTPSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessions = make(map[string]*HTTPSession)
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.close()
		}
	})
}

// SessionCount returns the number of live sessions
func (s *HTTPServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *HTTPServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if s.config.RateLimit > 0 && !s.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) originAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if isLocalhostPattern(allowed) && strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}

func isLocalhostPattern(origin string) bool {
	switch origin {
	case "http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1", "http://[::1]", "https://[::1]":
		return true
	}
	return false
}

func (s *HTTPServer) allow(ip string) bool {
	s.limiterMu.Lock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)}
		s.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	s.limiterMu.Unlock()
	return l.limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// expireSessions drops idle sessions and stale rate limiters
func (s *HTTPServer) expireSessions() {
	interval := s.config.SessionTimeout / 2
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var expired []*HTTPSession
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.idleSince(now) > s.config.SessionTimeout {
					delete(s.sessions, id)
					expired = append(expired, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range expired {
				s.logger.Debug("session expired", zap.String("session_id", sess.ID()))
				sess.close()
			}

			s.limiterMu.Lock()
			for ip, l := range s.limiters {
				if now.Sub(l.lastSeen) > limiterIdleTTL {
					delete(s.limiters, ip)
				}
			}
			s.limiterMu.Unlock()
		}
	}
}

func (s *HTTPServer) newSession() (*HTTPSession, error) {
	sess := newHTTPSession(s.ctx, uuid.NewString(), s.logger)
	sess.onClose = s.removeSession
	if err := s.onSession(sess); err != nil {
		sess.close()
		return nil, err
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.logger.Debug("session created", zap.String("session_id", sess.ID()))
	return sess, nil
}

func (s *HTTPServer) session(id string) (*HTTPSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *HTTPServer) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)

	var sess *HTTPSession
	id := r.Header.Get(SessionHeader)
	switch {
	case id != "":
		var ok bool
		if sess, ok = s.session(id); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	case isInitialize(body):
		if sess, err = s.newSession(); err != nil {
			s.logger.Error("failed to create session", zap.Error(err))
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	sess.touch()
	w.Header().Set(SessionHeader, sess.ID())

	ctx := logging.ContextWithLogger(r.Context(), s.logger.With(zap.String("session_id", sess.ID())))

	if !containsRequest(body) {
		if reply := sess.HandleMessage(ctx, body); reply != nil {
			writeJSON(w, http.StatusBadRequest, reply)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !acceptsEventStream(r) {
		reply := sess.HandleMessage(ctx, body)
		writeJSON(w, http.StatusOK, reply)
		return
	}

	stream, ok := newEventStream(w)
	if !ok {
		writeJSON(w, http.StatusOK, sess.HandleMessage(ctx, body))
		return
	}
	reply := sess.HandleMessage(withStream(ctx, stream), body)
	if reply != nil {
		if err := stream.send("message", reply); err != nil {
			s.logger.Debug("failed to write final event", zap.Error(err))
		}
	}
	stream.close()
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		http.Error(w, "GET requires Accept: text/event-stream", http.StatusNotAcceptable)
		return
	}
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	stream, ok := newEventStream(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess.pump(r.Context(), stream)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess.close()
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE opens a legacy SSE stream. The first event tells the client
// where to POST its messages; the session lives as long as the stream.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream, ok := newEventStream(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess, err := s.newSession()
	if err != nil {
		s.logger.Error("failed to create session", zap.Error(err))
		stream.close()
		return
	}
	defer sess.close()

	endpoint := fmt.Sprintf("%s?sessionId=%s", defaultMessagesPath, sess.ID())
	if err := stream.send("endpoint", []byte(endpoint)); err != nil {
		return
	}
	sess.pump(r.Context(), stream)
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	sess.touch()

	// Replies travel over the SSE stream, so dispatch outlives this request.
	sess.Dispatch(sess.ctx, bytes.TrimSpace(body), sess.push)
	w.WriteHeader(http.StatusAccepted)
}

func isInitialize(body []byte) bool {
	if protocol.Classify(body) != protocol.KindRequest {
		return false
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Method == protocol.MethodInitialize
}

func containsRequest(body []byte) bool {
	switch protocol.Classify(body) {
	case protocol.KindRequest:
		return true
	case protocol.KindBatch:
		items, err := protocol.SplitBatch(body)
		if err != nil {
			return false
		}
		for _, item := range items {
			if protocol.Classify(item) == protocol.KindRequest {
				return true
			}
		}
	}
	return false
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// eventStream writes server-sent events to one HTTP response
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (e *eventStream) send(event string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return mcperrors.TransportClosed("sse")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", event)
	for _, line := range bytes.Split(data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')

	if _, err := e.w.Write(buf.Bytes()); err != nil {
		e.closed = true
		return mcperrors.HTTPTransportError("write_event", "", 0, err)
	}
	e.flusher.Flush()
	return nil
}

func (e *eventStream) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

type streamKey struct{}

func withStream(ctx context.Context, s *eventStream) context.Context {
	return context.WithValue(ctx, streamKey{}, s)
}

func streamFrom(ctx context.Context) *eventStream {
	s, _ := ctx.Value(streamKey{}).(*eventStream)
	return s
}

// HTTPSession is the server-side Transport for one HTTP client. Messages sent
// while handling a POST that asked for an event stream go back on that
// stream; everything else is queued for the session's GET or SSE stream.
type HTTPSession struct {
	*BaseTransport
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan []byte
	onClose  func(id string)
	once     sync.Once
	mu       sync.Mutex
	lastSeen time.Time
	// streams counts attached GET or SSE listeners
	streams int
}

func newHTTPSession(parent context.Context, id string, logger *zap.Logger) *HTTPSession {
	ctx, cancel := context.WithCancel(parent)
	return &HTTPSession{
		BaseTransport: NewBaseTransport(logger.With(zap.String("session_id", id))),
		id:            id,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan []byte, sessionEventBuffer),
		lastSeen:      time.Now(),
	}
}

// ID returns the session id sent in the Mcp-Session-Id header
func (s *HTTPSession) ID() string {
	return s.id
}

// Initialize is a no-op
func (s *HTTPSession) Initialize(ctx context.Context) error {
	return nil
}

// Start blocks until the session is closed or ctx is cancelled. Messages are
// delivered by the HTTP handlers, not by Start.
func (s *HTTPSession) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return nil
}

// Stop closes the session
func (s *HTTPSession) Stop(ctx context.Context) error {
	s.close()
	return nil
}

// SendRequest sends a request to the client and waits for the reply, which
// arrives in a later POST
func (s *HTTPSession) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.Call(ctx, method, params, s.sender(ctx))
}

// SendNotification sends a notification to the client
func (s *HTTPSession) SendNotification(ctx context.Context, method string, params interface{}) error {
	return s.Notify(method, params, s.sender(ctx))
}

func (s *HTTPSession) sender(ctx context.Context) SendFunc {
	if stream := streamFrom(ctx); stream != nil {
		return func(data []byte) error {
			return stream.send("message", data)
		}
	}
	return s.push
}

// push queues data for the session stream, dropping it when nobody reads
func (s *HTTPSession) push(data []byte) error {
	select {
	case <-s.ctx.Done():
		return mcperrors.TransportClosed("http")
	default:
	}
	select {
	case s.events <- data:
		return nil
	default:
		s.Logger().Warn("session stream full, dropping message")
		return mcperrors.TransportError("http", "push", errors.New("session stream full"))
	}
}

func (s *HTTPSession) pump(ctx context.Context, stream *eventStream) {
	s.attach(1)
	defer s.attach(-1)
	defer stream.close()
	for {
		select {
		case data := <-s.events:
			s.touch()
			if err := stream.send("message", data); err != nil {
				s.Logger().Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *HTTPSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// attach records a listener joining (delta 1) or leaving (delta -1)
func (s *HTTPSession) attach(delta int) {
	s.mu.Lock()
	s.streams += delta
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// idleSince reports how long the session has gone unused as of now. A
// session with a listener attached is never idle.
func (s *HTTPSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams > 0 {
		return 0
	}
	return now.Sub(s.lastSeen)
}

func (s *HTTPSession) close() {
	s.once.Do(func() {
		s.cancel()
		s.Cleanup()
		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
}
