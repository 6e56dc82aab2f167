package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/profilerxray/internal/profiling"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceLogHandler adds trace_id and span_id from the active OpenTelemetry
// span, and profiler_session_id from the active profiler, to each record.
type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner so log lines can be joined with OTel traces
// and exported X-Ray documents. A nil inner uses slog.Default().Handler().
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		span := oteltrace.SpanFromContext(ctx)
		if sc := span.SpanContext(); sc.IsValid() && span.IsRecording() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
		if p := profiling.FromContext(ctx); p != nil {
			record.AddAttrs(slog.String("profiler_session_id", p.ID.String()))
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
