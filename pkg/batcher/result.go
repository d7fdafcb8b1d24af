package batcher

import (
	"context"

	"github.com/vjranagit/tsbatch/pkg/types"
)

// Result is the pending outcome of a single query. It is settled exactly
// once, when the fetch of the group holding the query completes.
//
// Queries that hit the same (series, metric) pair of one group share the
// returned slice; callers must treat it as read-only.
type Result struct {
	done   chan struct{}
	points []types.Point
	err    error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Done returns a channel which is closed once the result is settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Settled reports whether the result has been resolved or rejected.
func (r *Result) Settled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result is settled or ctx is done. A ctx error does
// not affect the query itself, which may still settle later.
func (r *Result) Wait(ctx context.Context) ([]types.Point, error) {
	select {
	case <-r.done:
		return r.points, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Result) resolve(points []types.Point) {
	r.points = points
	close(r.done)
}

func (r *Result) reject(err error) {
	r.err = err
	close(r.done)
}
