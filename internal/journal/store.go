// Package journal archives emitted trace documents so operators can inspect
// what was sent to the daemon.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/profilerxray/internal/xray"
)

// Store persists records. Retrieval is not part of the contract.
type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	Close() error
}

// Record is one emitted trace document plus the fields operators filter on.
type Record struct {
	TraceID         string
	SessionID       string
	ServiceName     string
	Name            string
	StartTime       float64
	EndTime         *float64
	InProgress      bool
	Error           bool
	Fault           bool
	Throttle        bool
	HTTPStatus      int
	SubsegmentCount int
	Document        string
	CreatedAt       time.Time
}

// NewRecord snapshots seg for sessionID.
func NewRecord(sessionID string, seg *xray.Segment) (*Record, error) {
	if seg == nil {
		return nil, fmt.Errorf("segment is required")
	}
	doc, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("encode segment %q: %w", seg.TraceID, err)
	}
	record := &Record{
		TraceID:         seg.TraceID,
		SessionID:       sessionID,
		ServiceName:     seg.Name,
		StartTime:       seg.StartTime,
		EndTime:         seg.EndTime,
		InProgress:      seg.InProgress,
		Error:           seg.Error,
		Fault:           seg.Fault,
		Throttle:        seg.Throttle,
		HTTPStatus:      responseStatus(seg),
		SubsegmentCount: seg.Count() - 1,
		Document:        string(doc),
		CreatedAt:       time.Now().UTC(),
	}
	if len(seg.Subsegments) > 0 {
		record.Name = seg.Subsegments[0].Name
	}
	return record, nil
}

// Open returns the store for driver, or nil for "none".
func Open(driver, path, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none":
		return nil, nil
	case "sqlite":
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
}

func responseStatus(seg *xray.Segment) int {
	response, ok := seg.HTTP["response"].(map[string]any)
	if !ok {
		return 0
	}
	switch status := response["status"].(type) {
	case int:
		return status
	case int64:
		return int(status)
	case float64:
		return int(status)
	default:
		return 0
	}
}

func normalizeRecord(in *Record) *Record {
	out := *in
	out.TraceID = strings.TrimSpace(out.TraceID)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	} else {
		out.CreatedAt = out.CreatedAt.UTC()
	}
	if out.Document == "" {
		out.Document = "{}"
	}
	return &out
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
