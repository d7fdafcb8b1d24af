package batcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vjranagit/tsbatch/pkg/types"
)

// DefaultAccumulationTime is the window used when Config does not set one.
const DefaultAccumulationTime = 5 * time.Millisecond

var (
	// ErrNilFetch is returned by New when no fetch function is given.
	ErrNilFetch = errors.New("batcher: fetch function is required")

	// ErrFetchPanic wraps a panic raised by a fetch function. It is
	// delivered to every query of the group being fetched.
	ErrFetchPanic = errors.New("batcher: fetch panicked")
)

// FetchFunc fetches points for every series/metric pair listed in the
// query layout. Pairs missing from the returned result are treated as
// having no points.
type FetchFunc func(ctx context.Context, q *types.BatchedQuery) (types.BatchedResult, error)

// Config holds batcher configuration
type Config struct {
	// AccumulationTime is measured from the first query of a batch.
	AccumulationTime time.Duration

	// MaxConcurrentFetches bounds group fetches in flight per flushed
	// batch. Zero means no bound.
	MaxConcurrentFetches int

	Clock  clock.Clock
	Logger *slog.Logger
	Tracer trace.Tracer

	// Context is passed to every fetch. Destroy does not cancel it.
	Context context.Context
}

// DefaultConfig returns default batcher configuration
func DefaultConfig() *Config {
	return &Config{
		AccumulationTime: DefaultAccumulationTime,
	}
}

// Stats contains batcher counters.
type Stats struct {
	Queries        uint64 // queries accepted
	Batches        uint64 // batches flushed
	Groups         uint64 // fetch requests issued
	FailedGroups   uint64 // fetch requests which failed
	PendingQueries int    // queries waiting in the open batch
}

// Batcher collects queries into batches and flushes each batch once its
// accumulation window has elapsed.
type Batcher struct {
	fetch         FetchFunc
	interval      time.Duration
	maxConcurrent int
	clock         clock.Clock
	logger        *slog.Logger
	tracer        trace.Tracer
	ctx           context.Context

	// All further fields are protected by mu
	mu         sync.Mutex
	current    *queryBatch
	flushTimer *clock.Timer
	destroyed  bool
	queries    uint64
	batches    uint64
	groups     uint64

	failedGroups atomic.Uint64
}

// New creates a new Batcher which passes every flushed group to fetch.
func New(fetch FetchFunc, cfg *Config) (*Batcher, error) {
	if fetch == nil {
		return nil, ErrNilFetch
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	b := &Batcher{
		fetch:         fetch,
		interval:      cfg.AccumulationTime,
		maxConcurrent: cfg.MaxConcurrentFetches,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		ctx:           cfg.Context,
		current:       newQueryBatch(),
	}
	if b.interval <= 0 {
		b.interval = DefaultAccumulationTime
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if b.tracer == nil {
		b.tracer = noop.NewTracerProvider().Tracer("batcher")
	}
	if b.ctx == nil {
		b.ctx = context.Background()
	}
	return b, nil
}

// AccumulationTime returns the configured accumulation window.
func (b *Batcher) AccumulationTime() time.Duration {
	return b.interval
}

// Query adds q to the open batch and returns its pending result. It never
// waits for a fetch.
func (b *Batcher) Query(q types.Query) *Result {
	entry := &batchEntry{
		query:  q,
		result: newResult(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.current.addEntry(entry)
	b.queries++

	// Queries added after Destroy are never flushed.
	if b.flushTimer == nil && !b.destroyed {
		b.flushTimer = b.clock.AfterFunc(b.interval, b.flushBatch)
	}

	return entry.result
}

// Destroy cancels the pending flush. Queries waiting in the open batch are
// neither fetched nor settled, and fetches already in flight are not
// cancelled.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.destroyed = true
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Queries:        b.queries,
		Batches:        b.batches,
		Groups:         b.groups,
		FailedGroups:   b.failedGroups.Load(),
		PendingQueries: b.current.entries,
	}
}

// flushBatch swaps the open batch for an empty one and then flushes the old
// batch outside of the lock.
func (b *Batcher) flushBatch() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	toFlush := b.current
	b.current = newQueryBatch()
	b.flushTimer = nil
	b.batches++
	b.groups += uint64(len(toFlush.groups))
	b.mu.Unlock()

	b.logger.Debug("Flushing query batch",
		"queries", toFlush.entries,
		"groups", len(toFlush.groups),
	)

	go toFlush.flush(b.ctx, b.fetch, flushOptions{
		maxConcurrent: b.maxConcurrent,
		tracer:        b.tracer,
		onGroupError:  func() { b.failedGroups.Add(1) },
	})
}
