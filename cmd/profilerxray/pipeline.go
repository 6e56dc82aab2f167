package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ongoingai/profilerxray/internal/config"
	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/journal"
	"github.com/ongoingai/profilerxray/internal/observability"
	"github.com/ongoingai/profilerxray/internal/xray"
)

// exportPipeline is the configured trace sink plus everything it owns.
type exportPipeline struct {
	sink     export.Sink
	exporter *export.Exporter
	writer   *export.Writer
	emitter  xray.Emitter
	journal  journal.Store
}

var newDaemonEmitter = func(cfg config.DaemonConfig) (xray.Emitter, error) {
	return xray.NewUDPEmitter(cfg.Address, time.Duration(cfg.SendTimeoutMS)*time.Millisecond)
}

// newExportPipeline wires emitter, journal, exporter and, when export is
// async, the background writer. A nil emitter sends to the configured daemon.
func newExportPipeline(cfg config.Config, emitter xray.Emitter, otelRuntime *observability.Runtime, logger *slog.Logger) (*exportPipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		daemonEmitter, err := newDaemonEmitter(cfg.Daemon)
		if err != nil {
			return nil, fmt.Errorf("initialize x-ray daemon emitter: %w", err)
		}
		emitter = daemonEmitter
	}

	store, err := journal.Open(cfg.Journal.Driver, cfg.Journal.Path, cfg.Journal.DSN)
	if err != nil {
		closeEmitter(emitter)
		return nil, fmt.Errorf("initialize %s journal: %w", cfg.Journal.Driver, err)
	}

	converter := &export.Converter{ServiceName: cfg.Service.Name, Logger: logger}
	if cfg.Export.ScrubCredentials {
		converter.SanitizeQuery = observability.ScrubCredentials
	}
	exporter, err := export.NewExporter(export.ExporterOptions{
		Converter: converter,
		Emitter:   emitter,
		Dedup:     export.NewDedupCache(cfg.Export.DedupCapacity),
		Journal:   store,
		Logger:    logger,
		Hooks:     otelRuntime.ExporterHooks(),
	})
	if err != nil {
		closeEmitter(emitter)
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	pipeline := &exportPipeline{
		sink:     exporter,
		exporter: exporter,
		emitter:  emitter,
		journal:  store,
	}
	if cfg.Export.Async {
		writer := export.NewWriter(exporter, cfg.Export.QueueSize)
		writer.SetMetrics(otelRuntime.WriterMetrics())
		writer.SetFailureHandler(func(failure export.ExportFailure) {
			logger.Warn(
				"background trace export failed",
				"operation", failure.Operation,
				"batch_size", failure.BatchSize,
				"failed_count", failure.FailedCount,
				"error_class", failure.ErrorClass,
				"error", failure.Err,
			)
		})
		writer.Start(context.Background())
		pipeline.writer = writer
		pipeline.sink = writer
	}
	return pipeline, nil
}

// Close flushes queued sessions, then releases the journal and the socket.
func (p *exportPipeline) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.writer != nil {
		if err := p.writer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush pending traces: %w", err))
		}
	}
	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if closer, ok := p.emitter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close emitter: %w", err))
		}
	}
	return errors.Join(errs...)
}

func closeEmitter(emitter xray.Emitter) {
	if closer, ok := emitter.(io.Closer); ok {
		_ = closer.Close()
	}
}

func shutdownExportPipeline(logger *slog.Logger, pipeline *exportPipeline, timeout time.Duration) {
	if pipeline == nil {
		return
	}
	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pipeline.Close(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to shut down trace export pipeline",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}
	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil && logger != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}
