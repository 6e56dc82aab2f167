package export

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/ongoingai/profilerxray/internal/xray"
)

// Error class constants for export failure classification.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassTooLarge   = "too_large"
	ErrorClassContention = "contention"
	ErrorClassUnknown    = "unknown"
)

var (
	ErrNotImplemented = errors.New("export: method not implemented")
	ErrNoRoot         = errors.New("export: profiler has no root timing")
	ErrQueueFull      = errors.New("export: queue full")
)

// ClassifyExportError maps an export error to one of the defined error
// classes so operators can alert on failure categories rather than opaque
// Go type names.
func ClassifyExportError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, xray.ErrSegmentTooLarge) {
		return ErrorClassTooLarge
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ErrorClassConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "database is locked"):
		return ErrorClassContention
	}
	return ErrorClassUnknown
}
