package export

import (
	"context"
	"errors"
	"testing"

	"github.com/ongoingai/profilerxray/internal/profiling"
)

type countingSink struct {
	saved int
	err   error
}

func (s *countingSink) Save(_ context.Context, _ *profiling.Profiler) error {
	s.saved++
	return s.err
}

func TestMultiSinkSavesToEverySink(t *testing.T) {
	t.Parallel()

	failing := &countingSink{err: errors.New("disk full")}
	healthy := &countingSink{}
	sink := MultiSink{failing, nil, healthy}

	err := sink.Save(context.Background(), finishedProfiler("GET /"))
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("Save() error=%v, want disk full", err)
	}
	if failing.saved != 1 || healthy.saved != 1 {
		t.Fatalf("saved=%d/%d, want 1/1", failing.saved, healthy.saved)
	}
}

func TestMultiSinkEmpty(t *testing.T) {
	t.Parallel()

	if err := (MultiSink{}).Save(context.Background(), finishedProfiler("GET /")); err != nil {
		t.Fatalf("Save() error=%v, want nil", err)
	}
}
