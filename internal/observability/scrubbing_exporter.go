package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts credentials from string attributes, event
// attributes and status descriptions before spans reach the OTLP exporter.
// Export spans carry SQL-derived error text, which may quote connection
// strings.
type scrubbingExporter struct {
	next sdktrace.SpanExporter
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{next: next}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		out = append(out, redactSpan(span))
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// redactSpan returns span itself when nothing needs redaction.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	attrs, attrsChanged := redactAttributes(span.Attributes())
	description := span.Status().Description
	descriptionChanged := ContainsCredential(description)

	events := span.Events()
	eventAttrs := make([][]attribute.KeyValue, len(events))
	eventsChanged := false
	for i, event := range events {
		redacted, changed := redactAttributes(event.Attributes)
		eventAttrs[i] = redacted
		eventsChanged = eventsChanged || changed
	}

	if !attrsChanged && !descriptionChanged && !eventsChanged {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = attrs
	for i := range stub.Events {
		stub.Events[i].Attributes = eventAttrs[i]
	}
	if descriptionChanged {
		stub.Status.Description = ScrubCredentials(description)
	}
	return stub.Snapshot()
}

// redactAttributes copies attrs only when at least one string value holds a
// credential.
func redactAttributes(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		if kv.Value.Type() != attribute.STRING || !ContainsCredential(kv.Value.AsString()) {
			if out != nil {
				out = append(out, kv)
			}
			continue
		}
		if out == nil {
			out = make([]attribute.KeyValue, i, len(attrs))
			copy(out, attrs[:i])
		}
		out = append(out, attribute.String(string(kv.Key), ScrubCredentials(kv.Value.AsString())))
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}
