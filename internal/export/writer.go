package export

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/profilerxray/internal/profiling"
)

const writerBatchSize = 64

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// BatchExporter is what the Writer drains its queue into.
type BatchExporter interface {
	Export(ctx context.Context, session Session) error
	ExportBatch(ctx context.Context, sessions []Session) error
}

// PipelineDiagnostics captures export queue pressure and drop signals.
type PipelineDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	ExportFailedTotal                int64            `json:"export_failed_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastExportFailureAt              *time.Time       `json:"last_export_failure_at,omitempty"`
	ExportFailuresByClass            map[string]int64 `json:"export_failures_by_class,omitempty"`
}

// ExportFailure describes sessions the background writer could not send.
type ExportFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// ExportFailureHandler receives asynchronous export failure signals.
type ExportFailureHandler func(ExportFailure)

var noopExportFailureHandler = ExportFailureHandler(func(ExportFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a session is placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a session is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is exported.
	OnFlush func(batchSize int, duration time.Duration)
}

// Writer exports sessions on a background goroutine so request handlers do
// not block on conversion or the socket write.
type Writer struct {
	exporter BatchExporter
	queue    chan Session
	wg       sync.WaitGroup

	started        atomic.Bool
	stopped        atomic.Bool
	stopOnce       sync.Once
	doneOnce       sync.Once
	done           chan struct{}
	queueMu        sync.RWMutex
	lifecycleMu    sync.RWMutex
	workerCancel   context.CancelFunc
	failureHandler atomic.Value // ExportFailureHandler
	metrics        atomic.Value // *WriterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	exportFailedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastFailureUnixNano     atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

func NewWriter(exporter BatchExporter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	writer := &Writer{
		exporter:        exporter,
		queue:           make(chan Session, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	writer.failureHandler.Store(noopExportFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetFailureHandler replaces the callback used for failed export signals.
func (w *Writer) SetFailureHandler(handler ExportFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopExportFailureHandler
	}
	w.failureHandler.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

// QueueLen returns the current number of sessions waiting in the queue.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case s, ok := <-w.queue:
				if !ok {
					return
				}
				batch := make([]Session, 0, writerBatchSize)
				batch = append(batch, s)
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Flush on a fresh context so the drain is not cancelled.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

// Save implements Sink. Request info is captured from ctx now, since the
// request is gone by the time the session is exported.
func (w *Writer) Save(ctx context.Context, p *profiling.Profiler) error {
	if p == nil {
		return ErrNoRoot
	}
	session := Session{Profiler: p}
	if info, ok := RequestInfoFromContext(ctx); ok {
		session.Request = info.Clone()
	}
	if !w.Enqueue(session) {
		return ErrQueueFull
	}
	return nil
}

// Enqueue queues session without blocking. It reports false when the
// writer is stopped or the queue is full.
func (w *Writer) Enqueue(session Session) bool {
	if w.stopped.Load() || session.Profiler == nil {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- session:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting sessions and waits for the queue to drain.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) reportFailure(failure ExportFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyExportError(failure.Err)
	w.exportFailedTotal.Add(int64(failure.FailedCount))
	w.lastFailureUnixNano.Store(time.Now().UTC().UnixNano())
	w.failuresMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresMu.Unlock()

	handler, ok := w.failureHandler.Load().(ExportFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// PipelineDiagnostics returns a point-in-time snapshot of queue pressure
// and failure counters for operator diagnostics.
func (w *Writer) PipelineDiagnostics() PipelineDiagnostics {
	if w == nil {
		return PipelineDiagnostics{}
	}

	queueCapacity := cap(w.queue)
	queueDepth := len(w.queue)
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}
	utilPct := queueUtilizationPct(queueDepth, queueCapacity)

	snapshot := PipelineDiagnostics{
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: queueUtilizationPct(highWatermark, queueCapacity),
		QueuePressureState:               queuePressureState(utilPct),
		EnqueueAcceptedTotal:             w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              w.enqueueDroppedTotal.Load(),
		ExportFailedTotal:                w.exportFailedTotal.Load(),
	}
	if ts := w.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := w.lastFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastExportFailureAt = &last
	}

	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		snapshot.ExportFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			snapshot.ExportFailuresByClass[class] = count
		}
	}
	w.failuresMu.Unlock()
	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	value := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if value <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}

func (w *Writer) flushBatch(ctx context.Context, batch []Session) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := w.exporter.Export(ctx, batch[0]); err != nil {
			w.reportFailure(ExportFailure{
				Operation:   "export",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}
	if err := w.exporter.ExportBatch(ctx, batch); err != nil {
		failed := len(batch)
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			failed = batchErr.Failed
		}
		w.reportFailure(ExportFailure{
			Operation:   "export_batch",
			BatchSize:   len(batch),
			FailedCount: failed,
			Err:         err,
		})
	}
}
