// Package httpprof profiles HTTP requests and hands each finished profiler
// session to an export sink.
package httpprof

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/ongoingai/profilerxray/internal/correlation"
	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/pathutil"
	"github.com/ongoingai/profilerxray/internal/profiling"
)

// Options configures Middleware.
type Options struct {
	Sink   export.Sink
	Logger *slog.Logger
	// ProfilerOptions returns the options for each new profiler. Returning
	// the same pointer lets operators flip settings for in-flight requests.
	ProfilerOptions func() *profiling.Options
	// IgnoredPaths are path prefixes that are never profiled.
	IgnoredPaths []string
	// ShouldProfile, when set, must return true for a request to be profiled.
	ShouldProfile func(*http.Request) bool
	// Limiter caps profiled requests per second. Requests over the cap are
	// served unprofiled.
	Limiter *rate.Limiter
	// OnComplete runs after the profiler stops and before the session is
	// saved.
	OnComplete func(ctx context.Context, p *profiling.Profiler, info *export.RequestInfo)
}

// Middleware starts a profiler per request, carries it and the request
// metadata on the context, and saves it to opts.Sink once the response is
// written. Export failures are logged and never reach the client.
func Middleware(opts Options, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if opts.Sink == nil {
		return next
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldProfile(opts, r) {
			next.ServeHTTP(w, r)
			return
		}

		var profilerOptions *profiling.Options
		if opts.ProfilerOptions != nil {
			profilerOptions = opts.ProfilerOptions()
		}
		p := profiling.New(r.URL.Path, profilerOptions)
		info := export.NewRequestInfo(r)

		ctx := profiling.NewContext(r.Context(), p)
		ctx = export.WithRequestInfo(ctx, info)
		recorder := newStatusResponseWriter(w)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		info.StatusCode = recorder.StatusCode()
		info.ContentLength = responseContentLength(r, recorder)
		p.Stop()
		if opts.OnComplete != nil {
			opts.OnComplete(ctx, p, info)
		}

		// The client may already be gone; the export must still run.
		if err := opts.Sink.Save(context.WithoutCancel(ctx), p); err != nil {
			logger.WarnContext(ctx, "profiler session export failed",
				"session_id", p.ID.String(),
				"path", r.URL.Path,
				"error_class", export.ClassifyExportError(err),
				"error", err,
			)
		}
	})
}

// responseContentLength prefers the declared Content-Length header. Without
// one, HEAD and 304 responses have no known length and everything else
// reports the body bytes written.
func responseContentLength(r *http.Request, recorder *statusResponseWriter) *int64 {
	if raw := recorder.Header().Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			return &n
		}
	}
	if r.Method == http.MethodHead || recorder.StatusCode() == http.StatusNotModified {
		return nil
	}
	n := recorder.BytesWritten()
	return &n
}

func shouldProfile(opts Options, r *http.Request) bool {
	if pathutil.MatchesAny(r.URL.Path, opts.IgnoredPaths) {
		return false
	}
	if opts.ShouldProfile != nil && !opts.ShouldProfile(r) {
		return false
	}
	if opts.Limiter != nil && !opts.Limiter.Allow() {
		return false
	}
	return true
}

// Step runs next inside a "Handler: <name>" timing on the request profiler.
func Step(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		step := profiling.FromContext(r.Context()).Step("Handler: " + name)
		defer step.Stop()
		next.ServeHTTP(w, r)
	})
}

// StepFunc is Step for a handler function.
func StepFunc(name string, next http.HandlerFunc) http.Handler {
	return Step(name, next)
}

func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var correlationID string
		r, correlationID = correlation.EnsureRequest(r)
		if correlationID != "" {
			w.Header().Set(correlation.HeaderName, correlationID)
		}

		start := time.Now()
		recorder := newStatusResponseWriter(w)
		next.ServeHTTP(recorder, r)

		logger.InfoContext(r.Context(),
			"request complete",
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newStatusResponseWriter(w http.ResponseWriter) *statusResponseWriter {
	return &statusResponseWriter{ResponseWriter: w}
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *statusResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := io.Copy(writerOnly{w.ResponseWriter}, r)
	w.written += n
	return n, err
}

func (w *statusResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusResponseWriter) BytesWritten() int64 {
	return w.written
}

// writerOnly hides ReadFrom so io.Copy does not recurse into it.
type writerOnly struct {
	io.Writer
}
