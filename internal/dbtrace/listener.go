package dbtrace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/profiling"
)

// Listener records command and connection timings on the profiler found in
// each event's context. Events without a profiler are ignored.
type Listener struct {
	// LegacyMarkers also appends the "\n/*XRAY db@host */" marker to command
	// text for consumers that only read CommandString.
	LegacyMarkers bool

	logger *slog.Logger

	mu       sync.Mutex
	commands map[string]*profiling.CustomTiming
	readers  map[string]*profiling.CustomTiming
	opening  map[string]*profiling.CustomTiming
	closing  map[string]*profiling.CustomTiming
}

// NewListener returns an empty listener. A nil logger uses slog.Default().
func NewListener(logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		logger:   logger,
		commands: make(map[string]*profiling.CustomTiming),
		readers:  make(map[string]*profiling.CustomTiming),
		opening:  make(map[string]*profiling.CustomTiming),
		closing:  make(map[string]*profiling.CustomTiming),
	}
}

// OnEvent applies ev. It never fails: unmatched completions are dropped.
func (l *Listener) OnEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case CommandExecuting:
		if ev.CommandID == "" {
			l.logger.DebugContext(ctx, "dbtrace command event without id", "kind", ev.Kind.String())
			return
		}
		executeType := ev.ExecuteMethod
		if ev.Async {
			executeType += " (Async)"
		}
		if timing := l.start(ctx, ev, ev.CommandText, executeType); timing != nil {
			l.track(l.commands, ev.CommandID, timing)
		}

	case CommandExecuted:
		timing := l.take(l.commands, ev.CommandID)
		if timing == nil {
			return
		}
		// A reader result only means rows started arriving.
		if ev.ReturnsReader {
			timing.FirstFetchCompleted()
			l.track(l.readers, ev.CommandID, timing)
			return
		}
		timing.Stop()

	case CommandError:
		if timing := l.take(l.commands, ev.CommandID); timing != nil {
			timing.MarkErrored()
			timing.Stop()
		}

	case DataReaderDisposing:
		if timing := l.take(l.readers, ev.CommandID); timing != nil {
			timing.Stop()
		}

	case ConnectionOpening:
		l.startConnection(ctx, ev, l.opening, "Open")

	case ConnectionOpened:
		if timing := l.take(l.opening, ev.ConnectionID); timing != nil {
			timing.Stop()
		}

	case ConnectionClosing:
		l.startConnection(ctx, ev, l.closing, "Close")

	case ConnectionClosed:
		if timing := l.take(l.closing, ev.ConnectionID); timing != nil {
			timing.Stop()
		}

	case ConnectionError:
		for _, pending := range []map[string]*profiling.CustomTiming{l.opening, l.closing} {
			if timing := l.take(pending, ev.ConnectionID); timing != nil {
				timing.MarkErrored()
				timing.Stop()
			}
		}

	default:
		l.logger.DebugContext(ctx, "dbtrace ignored event", "kind", ev.Kind.String())
	}
}

// Pending reports how many timings are waiting for a completion event.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.commands) + len(l.readers) + len(l.opening) + len(l.closing)
}

func (l *Listener) startConnection(ctx context.Context, ev Event, pending map[string]*profiling.CustomTiming, method string) {
	if ev.ConnectionID == "" {
		return
	}
	p := profiling.FromContext(ctx)
	if !trackConnections(p) {
		return
	}
	executeType := method
	commandText := "Connection " + method + "()"
	if ev.Async {
		executeType = method + "Async"
		commandText = "Connection " + method + "Async()"
	}
	if timing := l.start(ctx, ev, commandText, executeType); timing != nil {
		l.track(pending, ev.ConnectionID, timing)
	}
}

// trackConnections reads the gate from the live options at event time. A
// profiler without options tracks connections.
func trackConnections(p *profiling.Profiler) bool {
	if p == nil {
		return false
	}
	opts := p.Options()
	return opts == nil || opts.TrackConnectionOpenClose
}

func (l *Listener) start(ctx context.Context, ev Event, commandText, executeType string) *profiling.CustomTiming {
	p := profiling.FromContext(ctx)
	if p == nil {
		return nil
	}
	endpoint := ev.Endpoint()
	if l.LegacyMarkers {
		commandText = export.AppendSQLMarker(commandText, endpoint)
	}
	timing := p.CustomTiming(profiling.CategorySQL, commandText, executeType)
	timing.SetRemoteEndpoint(endpoint)
	return timing
}

func (l *Listener) track(pending map[string]*profiling.CustomTiming, id string, timing *profiling.CustomTiming) {
	l.mu.Lock()
	pending[id] = timing
	l.mu.Unlock()
}

func (l *Listener) take(pending map[string]*profiling.CustomTiming, id string) *profiling.CustomTiming {
	if id == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	timing, ok := pending[id]
	if !ok {
		return nil
	}
	delete(pending, id)
	return timing
}
