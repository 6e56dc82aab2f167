package profiling

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Custom timing categories understood by the X-Ray exporter.
const (
	CategorySQL         = "sql"
	CategoryAnnotations = "xrayAnnotations"
)

// Options controls profiler behavior that collaborators read at event time.
type Options struct {
	// TrackConnectionOpenClose records connection open/close custom timings.
	TrackConnectionOpenClose bool
	// Now overrides the wall clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used when a profiler is started without any.
func DefaultOptions() *Options {
	return &Options{TrackConnectionOpenClose: true}
}

// Profiler records a tree of named timings for one request or session.
// Timings are mutated under the profiler lock until Stop; after that every
// mutator is a no-op and the tree is immutable.
type Profiler struct {
	ID      uuid.UUID
	Name    string
	Started time.Time
	Root    *Timing

	options *Options
	clock   func() time.Time

	mu      sync.Mutex
	head    *Timing
	stopped bool
}

// Timing is one node of the timing tree. Offsets and durations are in
// milliseconds relative to the profiler start.
type Timing struct {
	Name                 string
	StartMilliseconds    float64
	DurationMilliseconds *float64
	Children             []*Timing
	CustomTimings        map[string][]*CustomTiming

	parent   *Timing
	profiler *Profiler
}

// CustomTiming is a side-channel span such as a SQL command or an
// annotation carrier attached to a Timing.
type CustomTiming struct {
	ExecuteType                    string
	CommandString                  string
	StartMilliseconds              float64
	DurationMilliseconds           *float64
	FirstFetchDurationMilliseconds *float64
	Errored                        bool

	// RemoteEndpoint names the remote resource (for example "db@host") the
	// command ran against. Exporters prefer it over markers embedded in
	// CommandString.
	RemoteEndpoint string
	// Annotations is the typed annotation list for CategoryAnnotations timings.
	Annotations AnnotationList

	profiler *Profiler
}

// Millis returns a pointer to a millisecond value, for optional durations.
func Millis(v float64) *float64 {
	return &v
}

// New starts a profiler named name. A nil options value uses DefaultOptions.
func New(name string, options *Options) *Profiler {
	if options == nil {
		options = DefaultOptions()
	}
	clock := options.Now
	if clock == nil {
		clock = time.Now
	}

	p := &Profiler{
		ID:      uuid.New(),
		Name:    name,
		Started: clock().UTC(),
		options: options,
		clock:   clock,
	}
	p.Root = &Timing{Name: name, profiler: p}
	p.head = p.Root
	return p
}

// Options returns the live options of the profiler. It may be nil for
// profilers assembled by hand.
func (p *Profiler) Options() *Options {
	if p == nil {
		return nil
	}
	return p.options
}

// Step opens a child timing under the current head. Callers close it with
// Stop, usually deferred.
func (p *Profiler) Step(name string) *Timing {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}

	parent := p.head
	if parent == nil {
		parent = p.Root
	}
	t := &Timing{
		Name:              name,
		StartMilliseconds: p.elapsedLocked(),
		parent:            parent,
		profiler:          p,
	}
	parent.Children = append(parent.Children, t)
	p.head = t
	return t
}

// CustomTiming opens a custom timing in category under the current head.
func (p *Profiler) CustomTiming(category, commandString, executeType string) *CustomTiming {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}

	head := p.head
	if head == nil {
		head = p.Root
	}
	ct := &CustomTiming{
		ExecuteType:       executeType,
		CommandString:     commandString,
		StartMilliseconds: p.elapsedLocked(),
		profiler:          p,
	}
	if head.CustomTimings == nil {
		head.CustomTimings = make(map[string][]*CustomTiming)
	}
	head.CustomTimings[category] = append(head.CustomTimings[category], ct)
	return ct
}

// StartAnnotations opens an annotation carrier on the current head.
func (p *Profiler) StartAnnotations() *CustomTiming {
	return p.CustomTiming(CategoryAnnotations, "", "")
}

// Stop closes any open steps and the root. It reports whether this call
// stopped the profiler.
func (p *Profiler) Stop() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}

	now := p.elapsedLocked()
	for t := p.head; t != nil; t = t.parent {
		if t.DurationMilliseconds == nil {
			t.DurationMilliseconds = Millis(roundMillis(now - t.StartMilliseconds))
		}
	}
	closePendingCustomTimings(p.Root, now)
	p.head = p.Root
	p.stopped = true
	return true
}

// closePendingCustomTimings ends custom timings still open at stop, such as a
// reader that was never disposed. The tree is frozen after this.
func closePendingCustomTimings(t *Timing, now float64) {
	if t == nil {
		return
	}
	for _, entries := range t.CustomTimings {
		for _, ct := range entries {
			if ct != nil && ct.DurationMilliseconds == nil {
				ct.DurationMilliseconds = Millis(roundMillis(now - ct.StartMilliseconds))
			}
		}
	}
	for _, child := range t.Children {
		closePendingCustomTimings(child, now)
	}
}

// Snapshot returns a deep copy of the timing tree taken under the profiler
// lock. The copy is detached: changes to p after the call do not reach it.
func (p *Profiler) Snapshot() *Profiler {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := &Profiler{
		ID:      p.ID,
		Name:    p.Name,
		Started: p.Started,
		options: p.options,
		clock:   p.clock,
		stopped: true,
	}
	snap.Root = copyTiming(p.Root, nil, snap)
	snap.head = snap.Root
	return snap
}

func copyTiming(t, parent *Timing, owner *Profiler) *Timing {
	if t == nil {
		return nil
	}
	out := &Timing{
		Name:                 t.Name,
		StartMilliseconds:    t.StartMilliseconds,
		DurationMilliseconds: copyMillis(t.DurationMilliseconds),
		parent:               parent,
		profiler:             owner,
	}
	if len(t.Children) > 0 {
		out.Children = make([]*Timing, 0, len(t.Children))
		for _, child := range t.Children {
			out.Children = append(out.Children, copyTiming(child, out, owner))
		}
	}
	if len(t.CustomTimings) > 0 {
		out.CustomTimings = make(map[string][]*CustomTiming, len(t.CustomTimings))
		for category, entries := range t.CustomTimings {
			copied := make([]*CustomTiming, 0, len(entries))
			for _, ct := range entries {
				copied = append(copied, copyCustomTiming(ct, owner))
			}
			out.CustomTimings[category] = copied
		}
	}
	return out
}

func copyCustomTiming(c *CustomTiming, owner *Profiler) *CustomTiming {
	if c == nil {
		return nil
	}
	out := *c
	out.DurationMilliseconds = copyMillis(c.DurationMilliseconds)
	out.FirstFetchDurationMilliseconds = copyMillis(c.FirstFetchDurationMilliseconds)
	if c.Annotations != nil {
		out.Annotations = append(AnnotationList(nil), c.Annotations...)
	}
	out.profiler = owner
	return &out
}

func copyMillis(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Millis(*v)
}

// Stopped reports whether Stop has been called.
func (p *Profiler) Stopped() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// DurationMilliseconds returns the root duration, if the profiler has stopped.
func (p *Profiler) DurationMilliseconds() *float64 {
	if p == nil || p.Root == nil {
		return nil
	}
	return p.Root.DurationMilliseconds
}

func (p *Profiler) elapsedLocked() float64 {
	return roundMillis(float64(p.clock().Sub(p.Started)) / float64(time.Millisecond))
}

// Stop closes the timing and pops it off the profiler head.
func (t *Timing) Stop() {
	if t == nil || t.profiler == nil {
		return
	}
	p := t.profiler
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || t.DurationMilliseconds != nil {
		return
	}

	t.DurationMilliseconds = Millis(roundMillis(p.elapsedLocked() - t.StartMilliseconds))
	if p.head == t && t.parent != nil {
		p.head = t.parent
	}
}

// HasChildren reports whether the timing has nested timings.
func (t *Timing) HasChildren() bool {
	return t != nil && len(t.Children) > 0
}

// HasCustomTimings reports whether any custom timing category is populated.
func (t *Timing) HasCustomTimings() bool {
	if t == nil {
		return false
	}
	for _, entries := range t.CustomTimings {
		if len(entries) > 0 {
			return true
		}
	}
	return false
}

// CategoryNames returns the custom timing categories in sorted order.
func (t *Timing) CategoryNames() []string {
	if t == nil || len(t.CustomTimings) == 0 {
		return nil
	}
	names := make([]string, 0, len(t.CustomTimings))
	for name := range t.CustomTimings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop records the custom timing duration. Repeated calls are ignored.
func (c *CustomTiming) Stop() {
	if c == nil {
		return
	}
	c.withLock(func(elapsed float64) {
		if c.DurationMilliseconds == nil {
			c.DurationMilliseconds = Millis(roundMillis(elapsed - c.StartMilliseconds))
		}
	})
}

// FirstFetchCompleted records when the first result row became available.
func (c *CustomTiming) FirstFetchCompleted() {
	if c == nil {
		return
	}
	c.withLock(func(elapsed float64) {
		if c.FirstFetchDurationMilliseconds == nil {
			c.FirstFetchDurationMilliseconds = Millis(roundMillis(elapsed - c.StartMilliseconds))
		}
	})
}

// MarkErrored flags the custom timing as failed.
func (c *CustomTiming) MarkErrored() {
	if c == nil {
		return
	}
	c.withLock(func(float64) {
		c.Errored = true
	})
}

// SetRemoteEndpoint records the remote resource the command ran against.
func (c *CustomTiming) SetRemoteEndpoint(endpoint string) {
	if c == nil {
		return
	}
	c.withLock(func(float64) {
		c.RemoteEndpoint = endpoint
	})
}

// AddAnnotation appends a typed annotation to the timing.
func (c *CustomTiming) AddAnnotation(key string, value any) {
	if c == nil {
		return
	}
	c.withLock(func(float64) {
		c.Annotations = append(c.Annotations, Annotation{Key: key, Value: value})
	})
}

func (c *CustomTiming) withLock(fn func(elapsed float64)) {
	p := c.profiler
	if p == nil {
		fn(c.StartMilliseconds)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	fn(p.elapsedLocked())
}

// RenderPlainText renders the timing tree as indented text.
func (p *Profiler) RenderPlainText() string {
	if p == nil || p.Root == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s\n", p.Name, p.Started.Format(time.RFC3339))
	renderTiming(&b, p.Root, 0)
	return b.String()
}

func renderTiming(b *strings.Builder, t *Timing, depth int) {
	indent := strings.Repeat("  ", depth)
	if depth > 0 {
		indent = strings.Repeat("  ", depth-1) + "> "
	}
	fmt.Fprintf(b, "%s%s = %s\n", indent, t.Name, formatMillis(t.DurationMilliseconds))
	for _, category := range t.CategoryNames() {
		entries := t.CustomTimings[category]
		fmt.Fprintf(b, "%s  %s: %d\n", strings.Repeat("  ", depth), category, len(entries))
	}
	for _, child := range t.Children {
		renderTiming(b, child, depth+1)
	}
}

func formatMillis(v *float64) string {
	if v == nil {
		return "(running)"
	}
	return fmt.Sprintf("%.1fms", *v)
}

func roundMillis(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Round(v*10) / 10
}
