// Package xray models X-Ray segment documents and delivers them to the
// X-Ray daemon over UDP.
package xray

import (
	"encoding/json"
	"errors"
	"sync"
)

// NamespaceRemote marks subsegments describing calls to remote resources.
const NamespaceRemote = "remote"

// ErrReleased is returned when adding a subsegment to a released entity.
var ErrReleased = errors.New("xray: segment already released")

// Segment is either a top-level trace document (TraceID set) or an
// embedded subsegment. Times are Unix seconds with fractional precision.
type Segment struct {
	Name        string
	ID          string
	TraceID     string
	StartTime   float64
	EndTime     *float64
	InProgress  bool
	Namespace   string
	Error       bool
	Fault       bool
	Throttle    bool
	HTTP        map[string]any
	SQL         map[string]any
	Annotations map[string]any
	Subsegments []*Segment

	mu       sync.Mutex
	released bool
}

// NewSegment returns a trace root document.
func NewSegment(name, traceID, id string, start float64) *Segment {
	return &Segment{
		Name:      name,
		ID:        id,
		TraceID:   traceID,
		StartTime: start,
	}
}

// NewSubsegment returns an embedded subsegment.
func NewSubsegment(name, id string, start float64) *Segment {
	return &Segment{
		Name:      name,
		ID:        id,
		StartTime: start,
	}
}

// SetEnd records the end time.
func (s *Segment) SetEnd(end float64) {
	s.EndTime = &end
}

// HasEnd reports whether an end time is set.
func (s *Segment) HasEnd() bool {
	return s != nil && s.EndTime != nil
}

// AddSubsegment attaches child in order. Released segments reject children.
func (s *Segment) AddSubsegment(child *Segment) error {
	if child == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	s.Subsegments = append(s.Subsegments, child)
	return nil
}

// AddAnnotation sets a searchable annotation. Later values overwrite earlier ones.
func (s *Segment) AddAnnotation(key string, value any) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Annotations == nil {
		s.Annotations = make(map[string]any)
	}
	s.Annotations[key] = value
}

// SetSQL sets one key of the sql attribute map.
func (s *Segment) SetSQL(key string, value any) {
	if s.SQL == nil {
		s.SQL = make(map[string]any)
	}
	s.SQL[key] = value
}

// SetHTTP sets one key of the http attribute map.
func (s *Segment) SetHTTP(key string, value any) {
	if s.HTTP == nil {
		s.HTTP = make(map[string]any)
	}
	s.HTTP[key] = value
}

// Release closes the segment for further children.
func (s *Segment) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

// Released reports whether Release was called.
func (s *Segment) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Count returns the number of entities in the tree rooted at s, s included.
func (s *Segment) Count() int {
	if s == nil {
		return 0
	}
	n := 1
	for _, child := range s.Subsegments {
		n += child.Count()
	}
	return n
}

type segmentDocument struct {
	Name        string         `json:"name"`
	ID          string         `json:"id"`
	TraceID     string         `json:"trace_id,omitempty"`
	StartTime   float64        `json:"start_time"`
	EndTime     *float64       `json:"end_time,omitempty"`
	InProgress  bool           `json:"in_progress,omitempty"`
	Namespace   string         `json:"namespace,omitempty"`
	Error       bool           `json:"error,omitempty"`
	Fault       bool           `json:"fault,omitempty"`
	Throttle    bool           `json:"throttle,omitempty"`
	HTTP        map[string]any `json:"http,omitempty"`
	SQL         map[string]any `json:"sql,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
	Subsegments []*Segment     `json:"subsegments,omitempty"`
}

// MarshalJSON encodes the segment in the X-Ray segment document format.
// Subsegments without an end time are reported as in progress.
func (s *Segment) MarshalJSON() ([]byte, error) {
	doc := segmentDocument{
		Name:        s.Name,
		ID:          s.ID,
		TraceID:     s.TraceID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		InProgress:  s.InProgress,
		Namespace:   s.Namespace,
		Error:       s.Error,
		Fault:       s.Fault,
		Throttle:    s.Throttle,
		HTTP:        s.HTTP,
		SQL:         s.SQL,
		Annotations: s.Annotations,
		Subsegments: s.Subsegments,
	}
	if s.EndTime == nil && s.TraceID == "" {
		doc.InProgress = true
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a segment document. Decoded segments are released.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var doc segmentDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.Name = doc.Name
	s.ID = doc.ID
	s.TraceID = doc.TraceID
	s.StartTime = doc.StartTime
	s.EndTime = doc.EndTime
	s.InProgress = doc.InProgress
	s.Namespace = doc.Namespace
	s.Error = doc.Error
	s.Fault = doc.Fault
	s.Throttle = doc.Throttle
	s.HTTP = doc.HTTP
	s.SQL = doc.SQL
	s.Annotations = doc.Annotations
	s.Subsegments = doc.Subsegments
	s.released = true
	return nil
}
