// Package logging sets up zap for the host and carries request-scoped
// loggers through contexts.
//
// Every logger writes to stderr. On the stdio transport stdout belongs to the
// protocol, so a single stray line there corrupts the session.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// New creates a logger for mode ("development" or "production") at level.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID adds a request ID to the context
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores l in ctx
func ContextWithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored in ctx, tagged with the request ID
// when one is present. It falls back to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	l, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || l == nil {
		l = zap.NewNop()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With(zap.String("request_id", id))
	}
	return l
}

// ErrorFields expands err into structured fields. MCP errors also log their
// code, category and severity.
func ErrorFields(err error) []zap.Field {
	if err == nil {
		return nil
	}
	fields := []zap.Field{zap.Error(err)}
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		fields = append(fields,
			zap.Int("error_code", mcpErr.Code()),
			zap.String("error_category", string(mcpErr.Category())),
			zap.String("error_severity", string(mcpErr.Severity())),
		)
		if details := mcpErr.Details(); details != "" {
			fields = append(fields, zap.String("error_details", details))
		}
	}
	return fields
}
