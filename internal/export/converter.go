package export

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ongoingai/profilerxray/internal/profiling"
	"github.com/ongoingai/profilerxray/internal/xray"
)

// Converter turns a completed timing tree into an X-Ray trace document.
type Converter struct {
	ServiceName string
	// NewTraceID and NewSegmentID default to the xray generators.
	NewTraceID   func(time.Time) string
	NewSegmentID func() string
	// SanitizeQuery post-processes SQL text before it is exported.
	SanitizeQuery func(string) string
	Logger        *slog.Logger
}

// Convert builds the trace document for p. The document gets a fresh trace
// id on every call. A synthetic top subsegment named after the profiler
// carries the root timing and everything beneath it. The tree is read from a
// snapshot taken under the profiler lock.
func (c *Converter) Convert(p *profiling.Profiler) (*xray.Segment, error) {
	if p == nil || p.Root == nil {
		return nil, ErrNoRoot
	}
	// Collaborators may still hold timings of a live session.
	p = p.Snapshot()

	root := p.Root
	start := unixSeconds(p.Started) + root.StartMilliseconds/1000
	trace := xray.NewSegment(c.serviceName(p), c.traceID(p.Started), c.segmentID(), start)
	if root.DurationMilliseconds != nil {
		trace.SetEnd(start + *root.DurationMilliseconds/1000)
	}
	trace.InProgress = !trace.HasEnd()

	top := xray.NewSubsegment(p.Name, c.segmentID(), start)
	top.EndTime = trace.EndTime
	if err := trace.AddSubsegment(top); err != nil {
		return nil, err
	}

	for _, child := range root.Children {
		if err := c.convertNode(child, top, start); err != nil {
			return nil, err
		}
	}
	if err := c.applyCustomTimings(root, top, start); err != nil {
		return nil, err
	}
	top.Release()
	trace.Release()
	return trace, nil
}

func (c *Converter) convertNode(node *profiling.Timing, parent *xray.Segment, rootStart float64) error {
	if node == nil {
		return nil
	}
	seg := xray.NewSubsegment(node.Name, c.segmentID(), rootStart+node.StartMilliseconds/1000)
	if node.DurationMilliseconds != nil {
		seg.SetEnd(seg.StartTime + *node.DurationMilliseconds/1000)
	}
	if err := parent.AddSubsegment(seg); err != nil {
		return fmt.Errorf("attach %q: %w", node.Name, err)
	}

	for _, child := range node.Children {
		if err := c.convertNode(child, seg, rootStart); err != nil {
			return err
		}
	}
	if err := c.applyCustomTimings(node, seg, rootStart); err != nil {
		return err
	}
	seg.Release()
	return nil
}

func (c *Converter) applyCustomTimings(node *profiling.Timing, seg *xray.Segment, rootStart float64) error {
	for _, category := range node.CategoryNames() {
		entries := node.CustomTimings[category]
		switch category {
		case profiling.CategorySQL:
			for _, entry := range entries {
				if entry == nil {
					continue
				}
				if err := seg.AddSubsegment(c.sqlSubsegment(entry, rootStart)); err != nil {
					return fmt.Errorf("attach sql to %q: %w", seg.Name, err)
				}
			}
		case profiling.CategoryAnnotations:
			for _, entry := range entries {
				c.applyAnnotations(entry, seg)
			}
		}
	}
	return nil
}

func (c *Converter) sqlSubsegment(entry *profiling.CustomTiming, rootStart float64) *xray.Segment {
	name := entry.ExecuteType
	query, label, ok := SplitSQLMarker(entry.CommandString)
	if ok && label != "" {
		name = label
	}
	if entry.RemoteEndpoint != "" {
		name = entry.RemoteEndpoint
	}
	if name == "" {
		name = profiling.CategorySQL
	}
	if c.SanitizeQuery != nil {
		query = c.SanitizeQuery(query)
	}

	sub := xray.NewSubsegment(name, c.segmentID(), rootStart+entry.StartMilliseconds/1000)
	if entry.DurationMilliseconds != nil {
		sub.SetEnd(sub.StartTime + *entry.DurationMilliseconds/1000)
	}
	sub.Namespace = xray.NamespaceRemote
	sub.SetSQL("sanitized_query", query)
	sub.Error = entry.Errored
	sub.Release()
	return sub
}

// applyAnnotations sets annotations from one carrier on seg. A payload that
// fails to decode is dropped without touching earlier annotations.
func (c *Converter) applyAnnotations(entry *profiling.CustomTiming, seg *xray.Segment) {
	if entry == nil {
		return
	}
	pairs := entry.Annotations
	if len(pairs) == 0 && entry.CommandString != "" {
		decoded, err := profiling.DecodeAnnotations(entry.CommandString)
		if err != nil {
			c.logger().Debug("dropping malformed annotation payload", "segment", seg.Name, "error", err)
			return
		}
		pairs = decoded
	}
	for _, pair := range pairs {
		seg.AddAnnotation(pair.Key, pair.Value)
	}
}

func (c *Converter) serviceName(p *profiling.Profiler) string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return p.Name
}

func (c *Converter) traceID(t time.Time) string {
	if c.NewTraceID != nil {
		return c.NewTraceID(t)
	}
	return xray.NewTraceID(t)
}

func (c *Converter) segmentID() string {
	if c.NewSegmentID != nil {
		return c.NewSegmentID()
	}
	return xray.NewSegmentID()
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
