package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
)

// Observer wraps each dispatched method in a span and records it in the
// request metrics. Either half may be nil.
type Observer struct {
	metrics *Metrics
	tracing *TracingProvider
	logger  *zap.Logger

	// SlowThreshold logs requests taking longer than this at warn level
	SlowThreshold time.Duration
}

// NewObserver combines metrics and tracing into one dispatcher hook
func NewObserver(metrics *Metrics, tracing *TracingProvider, logger *zap.Logger) *Observer {
	return &Observer{
		metrics:       metrics,
		tracing:       tracing,
		logger:        logging.OrNop(logger),
		SlowThreshold: 5 * time.Second,
	}
}

// Observe starts observing a method call. The returned function must be
// called exactly once with the call's error.
func (o *Observer) Observe(ctx context.Context, method, target string) (context.Context, func(err error)) {
	start := time.Now()

	var endMetrics func(error)
	if o.metrics != nil {
		endMetrics = o.metrics.begin(method, target)
	}

	var endSpan func()
	if o.tracing != nil {
		var span trace.Span
		ctx, span = o.tracing.StartMethodSpan(ctx, method, target)
		endSpan = func() { span.End() }
	}

	spanCtx := ctx
	return ctx, func(err error) {
		if err != nil {
			RecordError(spanCtx, err)
		}
		if endSpan != nil {
			endSpan()
		}
		if endMetrics != nil {
			endMetrics(err)
		}
		if elapsed := time.Since(start); o.SlowThreshold > 0 && elapsed > o.SlowThreshold {
			o.logger.Warn("slow request",
				zap.String("method", method),
				zap.String("target", target),
				zap.Duration("elapsed", elapsed))
		}
	}
}

func errorCategory(err error) string {
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		return string(mcpErr.Category())
	}
	return "unknown"
}
