package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/crmpipe/crmpipe/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// MessageTraceHeader carries the HTTP trace id on published messages so the
// worker logs under the same id.
const MessageTraceHeader = "x-trace-id"

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// TraceIDFromHeaders reads MessageTraceHeader from an AMQP style header table.
func TraceIDFromHeaders(headers map[string]any) string {
	value, ok := headers[MessageTraceHeader].(string)
	if !ok {
		return ""
	}
	return value
}
