package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
)

// HTTPClientTransport is the client side of streamable HTTP. Each outbound
// message is a POST; replies arrive either as a JSON body or as an event
// stream on the POST response. Server-initiated messages outside a request
// are read from a GET stream opened after the session is established.
type HTTPClientTransport struct {
	*BaseTransport
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *zap.Logger

	mu        sync.Mutex
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	listening bool
	wg        sync.WaitGroup
}

// NewHTTPClientTransport creates a client for config.Endpoint
func NewHTTPClientTransport(config TransportConfig) *HTTPClientTransport {
	logger := logging.OrNop(config.Logger).With(zap.String("endpoint", config.Endpoint))
	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPClientTransport{
		BaseTransport: NewBaseTransport(logger),
		endpoint:      config.Endpoint,
		headers:       headers,
		client:        &http.Client{},
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SessionID returns the id assigned by the server, if any
func (t *HTTPClientTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Initialize is a no-op; the session is created by the initialize request
func (t *HTTPClientTransport) Initialize(ctx context.Context) error {
	return nil
}

// Start blocks until ctx is cancelled or Stop is called
func (t *HTTPClientTransport) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-t.ctx.Done():
	}
	return nil
}

// Stop ends the session with a DELETE and closes any open streams
func (t *HTTPClientTransport) Stop(ctx context.Context) error {
	sessionID := t.SessionID()
	t.cancel()
	t.wg.Wait()
	t.Cleanup()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return nil
	}
	t.applyHeaders(req, sessionID)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", zap.Error(err))
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

// SendRequest posts a request and waits for its response
func (t *HTTPClientTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return t.Call(ctx, method, params, func(data []byte) error {
		return t.post(ctx, data)
	})
}

// SendNotification posts a notification
func (t *HTTPClientTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return t.Notify(method, params, func(data []byte) error {
		return t.post(ctx, data)
	})
}

func (t *HTTPClientTransport) applyHeaders(req *http.Request, sessionID string) {
	t.mu.Lock()
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
}

// post sends one frame. Replies in the response body are dispatched before
// it returns, except for an event stream, which is read in the background.
func (t *HTTPClientTransport) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return mcperrors.HTTPTransportError("post", t.endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req, t.SessionID())

	resp, err := t.client.Do(req)
	if err != nil {
		return mcperrors.HTTPTransportError("post", t.endpoint, 0, err)
	}

	if id := resp.Header.Get(SessionHeader); id != "" {
		t.adoptSession(id)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode >= 400 && !strings.HasPrefix(contentType, "application/json"):
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return mcperrors.HTTPTransportError("post", t.endpoint, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))

	case strings.HasPrefix(contentType, "text/event-stream"):
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readEvents(resp.Body)
		}()
		return nil

	default:
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return mcperrors.HTTPTransportError("read_response", t.endpoint, resp.StatusCode, err)
		}
		if body = bytes.TrimSpace(body); len(body) > 0 {
			t.Dispatch(t.ctx, body, func(reply []byte) error {
				return t.post(t.ctx, reply)
			})
		}
		return nil
	}
}

func (t *HTTPClientTransport) adoptSession(id string) {
	t.mu.Lock()
	changed := t.sessionID != id
	t.sessionID = id
	startListener := changed && !t.listening
	if startListener {
		t.listening = true
	}
	t.mu.Unlock()

	if startListener {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.listen(id)
		}()
	}
}

// listen opens the optional GET stream for server-initiated messages. A
// server that does not offer one answers 405, which is not an error.
func (t *HTTPClientTransport) listen(sessionID string) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req, sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("listener stream unavailable", zap.Error(err))
		return
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_ = resp.Body.Close()
		t.logger.Debug("listener stream refused", zap.Int("status", resp.StatusCode))
		return
	}
	t.readEvents(resp.Body)
}

// readEvents parses an SSE body and dispatches every message event
func (t *HTTPClientTransport) readEvents(body io.ReadCloser) {
	finished := make(chan struct{})
	defer close(finished)
	defer body.Close()
	go func() {
		select {
		case <-t.ctx.Done():
			_ = body.Close()
		case <-finished:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var event string
	var data bytes.Buffer
	flush := func() {
		if data.Len() > 0 && (event == "" || event == "message") {
			payload := make([]byte, data.Len())
			copy(payload, data.Bytes())
			t.Dispatch(t.ctx, payload, func(reply []byte) error {
				return t.post(t.ctx, reply)
			})
		}
		event = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
}
