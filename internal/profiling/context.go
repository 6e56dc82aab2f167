package profiling

import "context"

type contextKey struct{}

var profilerContextKey contextKey

// NewContext returns a context carrying p as the current profiler.
func NewContext(ctx context.Context, p *Profiler) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, profilerContextKey, p)
}

// FromContext returns the current profiler, or nil when none is active.
func FromContext(ctx context.Context) *Profiler {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(profilerContextKey).(*Profiler)
	return p
}
