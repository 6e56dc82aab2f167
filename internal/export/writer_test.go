package export

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/profilerxray/internal/profiling"
)

type countingExporter struct {
	mu          sync.Mutex
	sessions    []Session
	batchCalls  int
	exportErr   error
	failInBatch int
}

func (e *countingExporter) Export(_ context.Context, s Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exportErr != nil {
		return e.exportErr
	}
	e.sessions = append(e.sessions, s)
	return nil
}

func (e *countingExporter) ExportBatch(_ context.Context, sessions []Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchCalls++
	e.sessions = append(e.sessions, sessions...)
	if e.failInBatch > 0 {
		return &BatchError{Total: len(sessions), Failed: e.failInBatch, Err: errors.New("connection refused")}
	}
	return nil
}

func (e *countingExporter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

type blockingExporter struct {
	countingExporter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *blockingExporter) Export(ctx context.Context, s Session) error {
	e.once.Do(func() {
		close(e.started)
		<-e.release
	})
	return e.countingExporter.Export(ctx, s)
}

func (e *blockingExporter) ExportBatch(ctx context.Context, sessions []Session) error {
	e.once.Do(func() {
		close(e.started)
		<-e.release
	})
	return e.countingExporter.ExportBatch(ctx, sessions)
}

func testSession() Session {
	return Session{Profiler: profiling.New("s", nil)}
}

func TestWriterDrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()

	exporter := &countingExporter{}
	writer := NewWriter(exporter, 256)
	writer.Start(context.Background())

	for i := 0; i < 100; i++ {
		if !writer.Enqueue(testSession()) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if exporter.Count() != 100 {
		t.Fatalf("exported=%d, want 100", exporter.Count())
	}
	if writer.Enqueue(testSession()) {
		t.Fatal("Enqueue() after shutdown should be rejected")
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	exporter := &blockingExporter{started: make(chan struct{}), release: make(chan struct{})}
	writer := NewWriter(exporter, 1)
	var drops int
	writer.SetMetrics(&WriterMetrics{OnDrop: func() { drops++ }})
	writer.Start(context.Background())

	if !writer.Enqueue(testSession()) {
		t.Fatal("first Enqueue() rejected")
	}
	<-exporter.started
	if !writer.Enqueue(testSession()) {
		t.Fatal("second Enqueue() should fill the queue")
	}
	if writer.Enqueue(testSession()) {
		t.Fatal("third Enqueue() should be dropped")
	}
	close(exporter.release)
	writer.Stop()

	diag := writer.PipelineDiagnostics()
	if diag.EnqueueDroppedTotal != 1 || drops != 1 {
		t.Fatalf("dropped=%d hook drops=%d, want 1", diag.EnqueueDroppedTotal, drops)
	}
	if diag.EnqueueAcceptedTotal != 2 || diag.LastEnqueueDropAt == nil {
		t.Fatalf("accepted=%d last drop=%v", diag.EnqueueAcceptedTotal, diag.LastEnqueueDropAt)
	}
	if diag.QueueHighWatermarkUtilizationPct != 100 {
		t.Fatalf("high watermark pct=%d, want 100", diag.QueueHighWatermarkUtilizationPct)
	}
}

func TestWriterReportsClassifiedFailures(t *testing.T) {
	t.Parallel()

	exporter := &countingExporter{exportErr: context.DeadlineExceeded}
	writer := NewWriter(exporter, 8)
	failures := make(chan ExportFailure, 1)
	writer.SetFailureHandler(func(f ExportFailure) { failures <- f })
	writer.Start(context.Background())

	writer.Enqueue(testSession())
	select {
	case failure := <-failures:
		if failure.ErrorClass != ErrorClassTimeout || failure.FailedCount != 1 || failure.Operation != "export" {
			t.Fatalf("failure=%+v", failure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure report")
	}
	writer.Stop()

	diag := writer.PipelineDiagnostics()
	if diag.ExportFailedTotal != 1 || diag.ExportFailuresByClass[ErrorClassTimeout] != 1 {
		t.Fatalf("diagnostics=%+v", diag)
	}
}

func TestWriterFlushBatchCountsBatchFailures(t *testing.T) {
	t.Parallel()

	exporter := &countingExporter{failInBatch: 2}
	writer := NewWriter(exporter, 8)
	var got ExportFailure
	writer.SetFailureHandler(func(f ExportFailure) { got = f })

	writer.flushBatch(context.Background(), []Session{testSession(), testSession(), testSession()})
	if exporter.batchCalls != 1 {
		t.Fatalf("batch calls=%d, want 1", exporter.batchCalls)
	}
	if got.Operation != "export_batch" || got.BatchSize != 3 || got.FailedCount != 2 || got.ErrorClass != ErrorClassConnection {
		t.Fatalf("failure=%+v", got)
	}
}

func TestWriterSaveSnapshotsRequestInfo(t *testing.T) {
	t.Parallel()

	exporter := &countingExporter{}
	writer := NewWriter(exporter, 4)

	info := &RequestInfo{URL: "http://x/", Method: http.MethodGet, Header: http.Header{}, StatusCode: 200}
	ctx := WithRequestInfo(context.Background(), info)
	if err := writer.Save(ctx, profiling.New("req", nil)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	info.StatusCode = 500

	writer.Start(context.Background())
	writer.Stop()
	if exporter.Count() != 1 {
		t.Fatalf("exported=%d, want 1", exporter.Count())
	}
	if exporter.sessions[0].Request.StatusCode != 200 {
		t.Fatalf("snapshot status=%d, want 200", exporter.sessions[0].Request.StatusCode)
	}
	if err := writer.Save(context.Background(), nil); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("Save(nil) error=%v, want ErrNoRoot", err)
	}
}

func TestWriterSaveReportsFullQueue(t *testing.T) {
	t.Parallel()

	writer := NewWriter(&countingExporter{}, 1)
	if err := writer.Save(context.Background(), profiling.New("a", nil)); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	if err := writer.Save(context.Background(), profiling.New("b", nil)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Save() error=%v, want ErrQueueFull", err)
	}
	writer.Stop()
}

func TestQueuePressureState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pct  int
		want string
	}{
		{pct: 0, want: QueuePressureOK},
		{pct: 50, want: QueuePressureElevated},
		{pct: 80, want: QueuePressureHigh},
		{pct: 100, want: QueuePressureSaturated},
	}
	for _, tc := range tests {
		if got := queuePressureState(tc.pct); got != tc.want {
			t.Fatalf("queuePressureState(%d)=%q, want %q", tc.pct, got, tc.want)
		}
	}
	if queueUtilizationPct(3, 4) != 75 || queueUtilizationPct(5, 4) != 100 || queueUtilizationPct(1, 0) != 0 {
		t.Fatal("queueUtilizationPct mismatch")
	}
}
