package export

import (
	"context"
	"errors"

	"github.com/ongoingai/profilerxray/internal/profiling"
)

// MultiSink saves each session to every sink in order. One failing sink does
// not stop the others; their errors are joined.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, p *profiling.Profiler) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Save(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
