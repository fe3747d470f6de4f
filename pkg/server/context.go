package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/protocol"
)

type contextKey struct{}

// Context is the per-request handle a handler uses to talk back to the
// client while it runs. Obtain it with ContextFrom.
type Context struct {
	ctx       context.Context
	server    *Server
	requestID string
	token     interface{}
}

// detached is returned outside a request; every call on it is a no-op
var detached = &Context{ctx: context.Background()}

// ContextFrom returns the request Context stored in ctx. It never returns
// nil: outside a request the result silently drops logs and progress and
// fails sampling.
func ContextFrom(ctx context.Context) *Context {
	if rc, ok := ctx.Value(contextKey{}).(*Context); ok {
		return rc
	}
	return detached
}

// RequestID is the JSON-RPC id of the request being served
func (c *Context) RequestID() string { return c.requestID }

// ClientInfo returns the connected client's name and version
func (c *Context) ClientInfo() protocol.Implementation {
	if c.server == nil {
		return protocol.Implementation{}
	}
	return c.server.ClientInfo()
}

// Log sends notifications/message to the client when level passes the
// threshold set by logging/setLevel. Delivery failures are logged locally
// and otherwise ignored.
func (c *Context) Log(level protocol.LoggingLevel, message string, data map[string]interface{}) {
	s := c.server
	if s == nil || s.transport == nil || !level.Valid() {
		return
	}
	if !level.Enabled(s.currentLogLevel()) {
		return
	}

	payload := map[string]interface{}{"message": message}
	for k, v := range data {
		payload[k] = v
	}
	params := protocol.LoggingMessageParams{Level: level, Logger: s.name, Data: payload}
	if err := s.transport.SendNotification(c.ctx, protocol.MethodLog, params); err != nil {
		s.logger.Debug("log notification dropped", zap.String("level", string(level)), zap.Error(err))
	}
}

// Debug sends message to the client at debug level
func (c *Context) Debug(message string) { c.Log(protocol.LevelDebug, message, nil) }

// Info sends message to the client at info level
func (c *Context) Info(message string) { c.Log(protocol.LevelInfo, message, nil) }

// Warning sends message to the client at warning level
func (c *Context) Warning(message string) { c.Log(protocol.LevelWarning, message, nil) }

// Error sends message to the client at error level. It reports, it does
// not fail the request.
func (c *Context) Error(message string) { c.Log(protocol.LevelError, message, nil) }

// ReportProgress sends notifications/progress for the current request. It
// does nothing unless the client supplied a progress token. total of zero
// means unknown.
func (c *Context) ReportProgress(progress, total float64, message string) {
	s := c.server
	if s == nil || s.transport == nil || c.token == nil {
		return
	}
	params := protocol.ProgressParams{
		ProgressToken: c.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	}
	if err := s.transport.SendNotification(c.ctx, protocol.MethodProgress, params); err != nil {
		s.logger.Debug("progress notification dropped", zap.Error(err))
	}
}

// ReadResource reads another resource of the same server
func (c *Context) ReadResource(uri string) ([]protocol.ResourceContents, error) {
	if c.server == nil {
		return nil, mcperrors.ResourceNotFoundByURI(uri)
	}
	return c.server.readResource(c.ctx, uri)
}

// Sample asks the client's model for a completion with
// sampling/createMessage. The client must have declared the sampling
// capability during initialize.
func (c *Context) Sample(params protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
	s := c.server
	if s == nil || s.transport == nil || s.clientCapabilities().Sampling == nil {
		return nil, mcperrors.CapabilityNotConfigured("sampling")
	}

	raw, err := s.transport.SendRequest(c.ctx, protocol.MethodCreateMessage, params)
	if err != nil {
		return nil, err
	}
	var result protocol.CreateMessageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.CreateInternalError("decode_sampling_result", err)
	}
	return &result, nil
}
