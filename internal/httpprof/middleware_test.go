package httpprof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/ongoingai/profilerxray/internal/correlation"
	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/profiling"
	"github.com/ongoingai/profilerxray/internal/xray"
)

type savedSession struct {
	profiler *profiling.Profiler
	info     *export.RequestInfo
	ctxErr   error
}

type fakeSink struct {
	mu       sync.Mutex
	sessions []savedSession
	err      error
}

func (s *fakeSink) Save(ctx context.Context, p *profiling.Profiler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, _ := export.RequestInfoFromContext(ctx)
	s.sessions = append(s.sessions, savedSession{profiler: p, info: info.Clone(), ctxErr: ctx.Err()})
	return s.err
}

func (s *fakeSink) Sessions() []savedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func TestMiddlewareProfilesRequest(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var seen *profiling.Profiler
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = profiling.FromContext(r.Context())
		if seen == nil {
			t.Fatal("expected profiler in request context")
		}
		if _, ok := export.RequestInfoFromContext(r.Context()); !ok {
			t.Fatal("expected request info in request context")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	})

	handler := Middleware(Options{Sink: sink, Logger: quietLogger()}, next)
	req := httptest.NewRequest(http.MethodPost, "http://shop.example/products?id=7", nil)
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	sessions := sink.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("saved sessions=%d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.profiler != seen {
		t.Fatal("saved profiler differs from the one in the request context")
	}
	if got.profiler.Name != "/products" {
		t.Fatalf("profiler name=%q, want /products", got.profiler.Name)
	}
	if !got.profiler.Stopped() {
		t.Fatal("profiler should be stopped before save")
	}
	if got.info == nil {
		t.Fatal("expected request info on the save context")
	}
	if got.info.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want %d", got.info.StatusCode, http.StatusCreated)
	}
	if got.info.ContentLength == nil || *got.info.ContentLength != int64(len("created")) {
		t.Fatalf("content length=%v, want %d", got.info.ContentLength, len("created"))
	}
	if got.info.URL != "http://shop.example/products?id=7" {
		t.Fatalf("url=%q", got.info.URL)
	}
	if got.info.Method != http.MethodPost {
		t.Fatalf("method=%q, want POST", got.info.Method)
	}
}

func TestMiddlewareDefaultsStatusToOK(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	handler := Middleware(Options{Sink: sink, Logger: quietLogger()}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	sessions := sink.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("saved sessions=%d, want 1", len(sessions))
	}
	if sessions[0].info.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", sessions[0].info.StatusCode)
	}
	if *sessions[0].info.ContentLength != 0 {
		t.Fatalf("content length=%d, want 0", *sessions[0].info.ContentLength)
	}
}

func TestMiddlewareContentLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  string
		handler http.HandlerFunc
		want    *int64
	}{
		{
			name:   "declared header wins on HEAD",
			method: http.MethodHead,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "512")
			},
			want: int64Ptr(512),
		},
		{
			name:    "HEAD without header is unknown",
			method:  http.MethodHead,
			handler: func(http.ResponseWriter, *http.Request) {},
		},
		{
			name:   "304 with header reports the header",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "2048")
				w.WriteHeader(http.StatusNotModified)
			},
			want: int64Ptr(2048),
		},
		{
			name:   "304 without header is unknown",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotModified)
			},
		},
		{
			name:   "malformed header falls back to bytes written",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "lots")
				_, _ = w.Write([]byte("abc"))
			},
			want: int64Ptr(3),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sink := &fakeSink{}
			handler := Middleware(Options{Sink: sink, Logger: quietLogger()}, tc.handler)
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, "/products", nil))

			sessions := sink.Sessions()
			if len(sessions) != 1 {
				t.Fatalf("saved sessions=%d, want 1", len(sessions))
			}
			got := sessions[0].info.ContentLength
			switch {
			case tc.want == nil && got != nil:
				t.Fatalf("content length=%d, want unknown", *got)
			case tc.want != nil && (got == nil || *got != *tc.want):
				t.Fatalf("content length=%v, want %d", got, *tc.want)
			}
		})
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestMiddlewareSkipsUnprofiledRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		path string
	}{
		{
			name: "ignored path",
			opts: Options{IgnoredPaths: []string{"/healthz"}},
			path: "/healthz",
		},
		{
			name: "ignored nested path",
			opts: Options{IgnoredPaths: []string{"/static/"}},
			path: "/static/app.js",
		},
		{
			name: "predicate rejects",
			opts: Options{ShouldProfile: func(r *http.Request) bool { return r.Header.Get("X-Profile") == "1" }},
			path: "/products",
		},
		{
			name: "limiter exhausted",
			opts: Options{Limiter: rate.NewLimiter(0, 0)},
			path: "/products",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sink := &fakeSink{}
			opts := tc.opts
			opts.Sink = sink
			opts.Logger = quietLogger()

			served := false
			handler := Middleware(opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				served = true
				if profiling.FromContext(r.Context()) != nil {
					t.Fatal("unprofiled request should not carry a profiler")
				}
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

			if !served {
				t.Fatal("handler was not called")
			}
			if got := len(sink.Sessions()); got != 0 {
				t.Fatalf("saved sessions=%d, want 0", got)
			}
		})
	}
}

func TestMiddlewareLimiterAllowsBurst(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	handler := Middleware(Options{
		Sink:    sink,
		Logger:  quietLogger(),
		Limiter: rate.NewLimiter(rate.Limit(0.001), 2),
	}, http.NotFoundHandler())

	for i := 0; i < 4; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/products", nil))
	}
	if got := len(sink.Sessions()); got != 2 {
		t.Fatalf("saved sessions=%d, want 2", got)
	}
}

func TestMiddlewareUsesProfilerOptions(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	shared := &profiling.Options{TrackConnectionOpenClose: false}
	handler := Middleware(Options{
		Sink:            sink,
		Logger:          quietLogger(),
		ProfilerOptions: func() *profiling.Options { return shared },
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := profiling.FromContext(r.Context()).Options(); got != shared {
			t.Fatal("profiler should use the configured options")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := len(sink.Sessions()); got != 1 {
		t.Fatalf("saved sessions=%d, want 1", got)
	}
}

func TestMiddlewareRunsCompletionHookBeforeSave(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var (
		hookProfiler *profiling.Profiler
		hookStatus   int
		savedBefore  int
		stopped      bool
	)
	handler := Middleware(Options{
		Sink:   sink,
		Logger: quietLogger(),
		OnComplete: func(_ context.Context, p *profiling.Profiler, info *export.RequestInfo) {
			hookProfiler = p
			hookStatus = info.StatusCode
			savedBefore = len(sink.Sessions())
			stopped = p.Root.DurationMilliseconds != nil
		},
	}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/products", nil))

	sessions := sink.Sessions()
	if len(sessions) != 1 || hookProfiler != sessions[0].profiler {
		t.Fatal("hook should see the saved profiler")
	}
	if hookStatus != http.StatusBadGateway {
		t.Fatalf("hook status=%d, want 502", hookStatus)
	}
	if savedBefore != 0 {
		t.Fatal("hook should run before the session is saved")
	}
	if !stopped {
		t.Fatal("hook should run after the profiler stops")
	}
}

func TestMiddlewareExportFailureDoesNotReachClient(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	sink := &fakeSink{err: xray.ErrSegmentTooLarge}
	handler := Middleware(Options{
		Sink:   sink,
		Logger: slog.New(slog.NewJSONHandler(&logs, nil)),
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("response=%d %q, want 200 ok", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["error_class"] != export.ErrorClassTooLarge {
		t.Fatalf("error_class=%v, want %q", payload["error_class"], export.ErrorClassTooLarge)
	}
	if payload["session_id"] != sink.Sessions()[0].profiler.ID.String() {
		t.Fatalf("session_id=%v", payload["session_id"])
	}
}

func TestMiddlewareSavesAfterClientCancels(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	handler := Middleware(Options{Sink: sink, Logger: quietLogger()}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		cancel()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	sessions := sink.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("saved sessions=%d, want 1", len(sessions))
	}
	if sessions[0].ctxErr != nil {
		t.Fatalf("save context error=%v, want nil", sessions[0].ctxErr)
	}
}

func TestMiddlewareWithoutSinkPassesThrough(t *testing.T) {
	t.Parallel()

	handler := Middleware(Options{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if profiling.FromContext(r.Context()) != nil {
			t.Fatal("no profiler expected without a sink")
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestMiddlewareExportsEnrichedDocument(t *testing.T) {
	t.Parallel()

	emitter := &xray.RecordingEmitter{}
	exporter, err := export.NewExporter(export.ExporterOptions{
		Converter: &export.Converter{ServiceName: "shop"},
		Emitter:   emitter,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/products/", Step("ProductsController.Get", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})))
	handler := Middleware(Options{Sink: exporter, Logger: quietLogger()}, mux)

	req := httptest.NewRequest(http.MethodGet, "http://shop.example/products/42", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	segments := emitter.Segments()
	if len(segments) != 1 {
		t.Fatalf("sent documents=%d, want 1", len(segments))
	}
	seg := segments[0]
	if seg.Name != "shop" {
		t.Fatalf("segment name=%q, want shop", seg.Name)
	}
	if !seg.Error || seg.Fault {
		t.Fatalf("error=%v fault=%v, want 404 classified as error", seg.Error, seg.Fault)
	}
	request, _ := seg.HTTP["request"].(map[string]any)
	if request["client_ip"] != "10.0.0.9" {
		t.Fatalf("client_ip=%v, want 10.0.0.9", request["client_ip"])
	}
	response, _ := seg.HTTP["response"].(map[string]any)
	if response["status"] != http.StatusNotFound {
		t.Fatalf("response status=%v, want 404", response["status"])
	}

	var names []string
	var walk func(*xray.Segment)
	walk = func(s *xray.Segment) {
		for _, child := range s.Subsegments {
			names = append(names, child.Name)
			walk(child)
		}
	}
	walk(seg)
	if !strings.Contains(strings.Join(names, ","), "Handler: ProductsController.Get") {
		t.Fatalf("subsegments=%v, want handler step", names)
	}
}

func TestStepWithoutProfiler(t *testing.T) {
	t.Parallel()

	called := false
	handler := StepFunc("noop", func(http.ResponseWriter, *http.Request) { called = true })
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler was not called")
	}
}

func TestStepRecordsHandlerTiming(t *testing.T) {
	t.Parallel()

	p := profiling.New("GET /", nil)
	ctx := profiling.NewContext(context.Background(), p)
	handler := Step("Home.Index", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		p.Step("inner").Stop()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	p.Stop()

	if len(p.Root.Children) != 1 {
		t.Fatalf("root children=%d, want 1", len(p.Root.Children))
	}
	step := p.Root.Children[0]
	if step.Name != "Handler: Home.Index" {
		t.Fatalf("step name=%q", step.Name)
	}
	if step.DurationMilliseconds == nil {
		t.Fatal("step was not stopped")
	}
	if len(step.Children) != 1 || step.Children[0].Name != "inner" {
		t.Fatalf("step children=%v, want inner", step.Children)
	}
}

func TestLoggingMiddlewareAssignsCorrelationIDAndLogsIt(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	var seenCorrelationID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := correlation.FromContext(r.Context())
		if !ok {
			t.Fatal("expected correlation id in request context")
		}
		seenCorrelationID = id
		w.WriteHeader(http.StatusAccepted)
	})

	handler := LoggingMiddleware(logger, next)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}
	responseCorrelationID := rec.Header().Get(correlation.HeaderName)
	if responseCorrelationID == "" || responseCorrelationID != seenCorrelationID {
		t.Fatalf("response correlation_id=%q, context correlation_id=%q", responseCorrelationID, seenCorrelationID)
	}

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["correlation_id"] != responseCorrelationID {
		t.Fatalf("logged correlation_id=%v, want %q", payload["correlation_id"], responseCorrelationID)
	}
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("logged status=%v, want 202", payload["status"])
	}
}

func TestStatusResponseWriterReadFromCountsBytes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w := newStatusResponseWriter(rec)
	n, err := w.ReadFrom(strings.NewReader("hello"))
	if err != nil || n != 5 {
		t.Fatalf("ReadFrom()=%d, %v, want 5, nil", n, err)
	}
	if w.BytesWritten() != 5 || w.StatusCode() != http.StatusOK {
		t.Fatalf("written=%d status=%d", w.BytesWritten(), w.StatusCode())
	}
	if w.Unwrap() != rec {
		t.Fatal("Unwrap should return the wrapped writer")
	}
	if _, _, err := w.Hijack(); !errors.Is(err, http.ErrNotSupported) {
		t.Fatalf("Hijack() error=%v, want ErrNotSupported", err)
	}
}
