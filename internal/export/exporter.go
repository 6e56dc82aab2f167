// Package export converts completed profiler sessions into X-Ray trace
// documents and hands them to the daemon emitter.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ongoingai/profilerxray/internal/journal"
	"github.com/ongoingai/profilerxray/internal/profiling"
	"github.com/ongoingai/profilerxray/internal/xray"
)

// Sink accepts a completed profiler session.
type Sink interface {
	Save(ctx context.Context, p *profiling.Profiler) error
}

// Session is one completed profiler plus the request it measured, if any.
type Session struct {
	Profiler *profiling.Profiler
	Request  *RequestInfo
}

// ExporterHooks holds optional callbacks invoked at key export points.
type ExporterHooks struct {
	// OnExportStart is called before a session is converted. It returns the
	// context used for the export and an end function receiving the result.
	OnExportStart func(ctx context.Context, sessionID string) (context.Context, func(error))
	// OnSent is called after a document is handed to the emitter.
	OnSent func()
	// OnSuppressed is called when the dedup cache rejects a session.
	OnSuppressed func()
	// OnSendFailure is called with the failure class of a failed send.
	OnSendFailure func(errorClass string)
	// OnJournalFailure is called with the number of records the journal lost.
	OnJournalFailure func(count int, errorClass string)
}

// ExporterOptions configures NewExporter.
type ExporterOptions struct {
	Converter *Converter
	Emitter   xray.Emitter
	// Dedup defaults to NewDedupCache(DefaultDedupCapacity).
	Dedup *DedupCache
	// RequestInfo supplies request metadata for sessions without any.
	// Defaults to ContextRequestInfoProvider.
	RequestInfo RequestInfoProvider
	// Journal is optional.
	Journal journal.Store
	Logger  *slog.Logger
	Hooks   ExporterHooks
}

// Exporter is the trace sink: convert, enrich, dedup, emit, journal.
type Exporter struct {
	converter *Converter
	emitter   xray.Emitter
	dedup     *DedupCache
	provider  RequestInfoProvider
	journal   journal.Store
	logger    *slog.Logger
	hooks     ExporterHooks
}

// BatchError reports how many sessions of a batch failed to send.
type BatchError struct {
	Total  int
	Failed int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("export batch: %d of %d sessions failed: %v", e.Failed, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func NewExporter(opts ExporterOptions) (*Exporter, error) {
	if opts.Emitter == nil {
		return nil, errors.New("export: emitter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	converter := opts.Converter
	if converter == nil {
		converter = &Converter{}
	}
	if converter.Logger == nil {
		converter.Logger = logger
	}
	dedup := opts.Dedup
	if dedup == nil {
		dedup = NewDedupCache(DefaultDedupCapacity)
	}
	provider := opts.RequestInfo
	if provider == nil {
		provider = ContextRequestInfoProvider
	}
	return &Exporter{
		converter: converter,
		emitter:   opts.Emitter,
		dedup:     dedup,
		provider:  provider,
		journal:   opts.Journal,
		logger:    logger,
		hooks:     opts.Hooks,
	}, nil
}

// Dedup returns the cache gating emission.
func (e *Exporter) Dedup() *DedupCache {
	return e.dedup
}

// Save exports p using request info from ctx, if any.
func (e *Exporter) Save(ctx context.Context, p *profiling.Profiler) error {
	return e.Export(ctx, Session{Profiler: p})
}

// Export sends one session. A session already sent returns nil.
func (e *Exporter) Export(ctx context.Context, session Session) error {
	record, err := e.export(ctx, session)
	if err != nil {
		return err
	}
	if record != nil && e.journal != nil {
		if err := e.journal.WriteRecord(ctx, record); err != nil {
			e.reportJournalFailure(1, err)
		}
	}
	return nil
}

// ExportBatch sends every session and journals the sent documents in one
// batch. Send failures are returned as a *BatchError.
func (e *Exporter) ExportBatch(ctx context.Context, sessions []Session) error {
	records := make([]*journal.Record, 0, len(sessions))
	var (
		failed int
		errs   []error
	)
	for _, session := range sessions {
		record, err := e.export(ctx, session)
		if err != nil {
			failed++
			errs = append(errs, err)
			continue
		}
		if record != nil {
			records = append(records, record)
		}
	}
	e.journalBatch(ctx, records)

	if failed > 0 {
		return &BatchError{Total: len(sessions), Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// Load is not supported: stored traces live in the tracing backend.
func (e *Exporter) Load(_ context.Context, _ uuid.UUID) (*profiling.Profiler, error) {
	return nil, ErrNotImplemented
}

// List is not supported: stored traces live in the tracing backend.
func (e *Exporter) List(_ context.Context, _ int) ([]uuid.UUID, error) {
	return nil, ErrNotImplemented
}

func (e *Exporter) export(ctx context.Context, session Session) (record *journal.Record, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p := session.Profiler
	if p == nil {
		return nil, ErrNoRoot
	}
	sessionID := p.ID.String()
	if e.hooks.OnExportStart != nil {
		var end func(error)
		ctx, end = e.hooks.OnExportStart(ctx, sessionID)
		defer func() {
			end(err)
		}()
	}

	seg, err := e.converter.Convert(p)
	if err != nil {
		return nil, fmt.Errorf("convert session %s: %w", sessionID, err)
	}
	info := session.Request
	if info == nil {
		info, _ = e.provider(ctx)
	}
	Enrich(seg, info)

	if !e.dedup.ShouldSend(sessionID) {
		e.logger.DebugContext(ctx, "suppressed duplicate export", "session_id", sessionID)
		if e.hooks.OnSuppressed != nil {
			e.hooks.OnSuppressed()
		}
		return nil, nil
	}

	if err := e.emitter.Send(ctx, seg); err != nil {
		class := ClassifyExportError(err)
		if e.hooks.OnSendFailure != nil {
			e.hooks.OnSendFailure(class)
		}
		return nil, fmt.Errorf("send trace %s for session %s: %w", seg.TraceID, sessionID, err)
	}
	if e.hooks.OnSent != nil {
		e.hooks.OnSent()
	}
	e.logger.DebugContext(ctx, "exported trace", "session_id", sessionID, "xray_trace_id", seg.TraceID, "subsegments", seg.Count()-1)

	if e.journal == nil {
		return nil, nil
	}
	record, recErr := journal.NewRecord(sessionID, seg)
	if recErr != nil {
		e.reportJournalFailure(1, recErr)
		return nil, nil
	}
	return record, nil
}

func (e *Exporter) journalBatch(ctx context.Context, records []*journal.Record) {
	if e.journal == nil || len(records) == 0 {
		return
	}
	if len(records) == 1 {
		if err := e.journal.WriteRecord(ctx, records[0]); err != nil {
			e.reportJournalFailure(1, err)
		}
		return
	}
	if err := e.journal.WriteBatch(ctx, records); err != nil {
		// Fall back to per-record writes so one bad row does not lose the batch.
		failed := 0
		var fallbackErr error
		for _, record := range records {
			if recordErr := e.journal.WriteRecord(ctx, record); recordErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		if failed > 0 {
			e.reportJournalFailure(failed, errors.Join(err, fallbackErr))
		}
	}
}

func (e *Exporter) reportJournalFailure(count int, err error) {
	class := ClassifyExportError(err)
	e.logger.Warn("journal write failed", "count", count, "error_class", class, "error", err)
	if e.hooks.OnJournalFailure != nil {
		e.hooks.OnJournalFailure(count, class)
	}
}
