package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/profilerxray/internal/config"
	"github.com/ongoingai/profilerxray/internal/correlation"
	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/pathutil"
	"github.com/ongoingai/profilerxray/internal/profiling"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "ongoingai.profilerxray"
)

// Runtime exposes OpenTelemetry HTTP wrappers and exporter metric hooks.
type Runtime struct {
	enabled bool
	tracer  oteltrace.Tracer

	sentCounter          metric.Int64Counter
	suppressedCounter    metric.Int64Counter
	sendFailedCounter    metric.Int64Counter
	queueDroppedCounter  metric.Int64Counter
	journalFailedCounter metric.Int64Counter
	flushDuration        metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.tracer = otel.Tracer(instrumentationName)
	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return c
	}
	r.sentCounter = counter(
		"profilerxray.segments.sent_total",
		"Count of trace documents handed to the X-Ray daemon.",
	)
	r.suppressedCounter = counter(
		"profilerxray.segments.suppressed_total",
		"Count of sessions skipped because they were already sent.",
	)
	r.sendFailedCounter = counter(
		"profilerxray.segments.send_failed_total",
		"Count of trace documents the emitter failed to send.",
	)
	r.queueDroppedCounter = counter(
		"profilerxray.export.queue_dropped_total",
		"Count of sessions dropped because the async export queue was full.",
	)
	r.journalFailedCounter = counter(
		"profilerxray.journal.write_failed_total",
		"Count of emitted documents the journal failed to archive.",
	)

	histogram, err := meter.Float64Histogram(
		"profilerxray.export.flush_duration_ms",
		metric.WithDescription("Duration of async export batch flushes."),
		metric.WithUnit("ms"),
	)
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", "profilerxray.export.flush_duration_ms", "error", err)
	}
	r.flushDuration = histogram
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"profilerxray.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// EnrichSpan tags the active server span with the correlation id and profiler
// session id, and marks 5xx responses as errors. It has the signature of
// httpprof's completion hook.
func (r *Runtime) EnrichSpan(ctx context.Context, p *profiling.Profiler, info *export.RequestInfo) {
	if !r.Enabled() {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	if info != nil && info.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, fmt.Sprintf("http %d", info.StatusCode))
	}

	attrs := make([]attribute.KeyValue, 0, 2)
	if correlationID, ok := correlation.FromContext(ctx); ok {
		attrs = append(attrs, attribute.String("profilerxray.correlation_id", correlationID))
	}
	if p != nil {
		attrs = append(attrs, attribute.String("profilerxray.session_id", p.ID.String()))
	}
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// ExporterHooks returns exporter callbacks that record metrics and an export
// span per session. It returns zero hooks when the runtime is disabled.
func (r *Runtime) ExporterHooks() export.ExporterHooks {
	if !r.Enabled() {
		return export.ExporterHooks{}
	}
	return export.ExporterHooks{
		OnExportStart: r.startExportSpan,
		OnSent: func() {
			addCounter(r.sentCounter, 1)
		},
		OnSuppressed: func() {
			addCounter(r.suppressedCounter, 1)
		},
		OnSendFailure: func(errorClass string) {
			addCounter(r.sendFailedCounter, 1, attribute.String("error_class", errorClass))
		},
		OnJournalFailure: func(count int, errorClass string) {
			addCounter(r.journalFailedCounter, int64(count), attribute.String("error_class", errorClass))
		},
	}
}

func (r *Runtime) startExportSpan(ctx context.Context, sessionID string) (context.Context, func(error)) {
	tracer := r.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	ctx, span := tracer.Start(ctx, "profilerxray.export",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(attribute.String("profilerxray.session_id", sessionID)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.SetAttributes(attribute.String("profilerxray.export.error_class", export.ClassifyExportError(err)))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// WriterMetrics returns async writer callbacks recording queue drops and
// flush durations. It returns nil when the runtime is disabled.
func (r *Runtime) WriterMetrics() *export.WriterMetrics {
	if !r.Enabled() {
		return nil
	}
	return &export.WriterMetrics{
		OnDrop: func() {
			addCounter(r.queueDroppedCounter, 1)
		},
		OnFlush: func(batchSize int, duration time.Duration) {
			if r.flushDuration == nil {
				return
			}
			r.flushDuration.Record(
				context.Background(),
				float64(duration)/float64(time.Millisecond),
				metric.WithAttributes(attribute.Int("batch_size", batchSize)),
			)
		},
	}
}

func addCounter(counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if counter == nil || value <= 0 {
		return
	}
	if len(attrs) == 0 {
		counter.Add(context.Background(), value)
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case path == "/":
		return "/"
	case pathutil.HasPathPrefix(path, "/products"):
		return "/products/*"
	case pathutil.HasPathPrefix(path, "/sample"):
		return "/sample"
	case pathutil.HasPathPrefix(path, "/healthz"):
		return "/healthz"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}
