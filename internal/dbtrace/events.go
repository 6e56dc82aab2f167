// Package dbtrace turns database command and connection lifecycle events
// into "sql" custom timings on the profiler carried by the event context.
package dbtrace

import "fmt"

// EventKind identifies a data-access lifecycle event.
type EventKind int

const (
	CommandExecuting EventKind = iota + 1
	CommandExecuted
	CommandError
	DataReaderDisposing
	ConnectionOpening
	ConnectionOpened
	ConnectionClosing
	ConnectionClosed
	ConnectionError
)

var eventKindNames = map[EventKind]string{
	CommandExecuting:    "command_executing",
	CommandExecuted:     "command_executed",
	CommandError:        "command_error",
	DataReaderDisposing: "data_reader_disposing",
	ConnectionOpening:   "connection_opening",
	ConnectionOpened:    "connection_opened",
	ConnectionClosing:   "connection_closing",
	ConnectionClosed:    "connection_closed",
	ConnectionError:     "connection_error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event_kind(%d)", int(k))
}

// Event is one lifecycle notification. Command events correlate on
// CommandID and connection events on ConnectionID.
type Event struct {
	Kind         EventKind
	CommandID    string
	ConnectionID string

	CommandText   string
	ExecuteMethod string
	Async         bool

	// Database and DataSource name the remote endpoint, rendered as
	// "database@dataSource".
	Database   string
	DataSource string

	// ReturnsReader marks a CommandExecuted event whose result is a row
	// reader; the timing stays open until DataReaderDisposing.
	ReturnsReader bool
	Err           error
}

// Endpoint returns the "database@dataSource" label, or "" when both parts
// are empty.
func (e Event) Endpoint() string {
	if e.Database == "" && e.DataSource == "" {
		return ""
	}
	return e.Database + "@" + e.DataSource
}
