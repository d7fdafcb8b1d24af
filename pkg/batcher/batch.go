package batcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsbatch/pkg/types"
)

// batchEntry pairs a submitted query with its pending result.
type batchEntry struct {
	query  types.Query
	result *Result
}

// groupKey identifies the entries which can be served by one fetch.
type groupKey struct {
	collectionRef string
	hasStart      bool
	start         int64
	windowLimit   int
}

func groupKeyOf(q *types.Query) groupKey {
	key := groupKey{
		collectionRef: q.CollectionRef,
		windowLimit:   q.WindowLimit,
	}
	if q.StartTimestamp != nil {
		key.hasStart = true
		key.start = *q.StartTimestamp
	}
	return key
}

// metricEntries holds every entry of one group asking for the same metric.
type metricEntries struct {
	name    string
	entries []*batchEntry
}

type seriesEntries struct {
	name    string
	metrics []*metricEntries
	byName  map[string]*metricEntries
}

// queryGroup collects entries sharing collection and time parameters.
type queryGroup struct {
	key    groupKey
	series []*seriesEntries
	byName map[string]*seriesEntries
}

func (g *queryGroup) add(e *batchEntry) {
	s, ok := g.byName[e.query.SeriesName]
	if !ok {
		s = &seriesEntries{
			name:   e.query.SeriesName,
			byName: make(map[string]*metricEntries),
		}
		g.byName[s.name] = s
		g.series = append(g.series, s)
	}

	m, ok := s.byName[e.query.MetricName]
	if !ok {
		m = &metricEntries{name: e.query.MetricName}
		s.byName[m.name] = m
		s.metrics = append(s.metrics, m)
	}
	m.entries = append(m.entries, e)
}

// request builds the batched fetch request of the group.
func (g *queryGroup) request() *types.BatchedQuery {
	layout := make(map[string][]string, len(g.series))
	for _, s := range g.series {
		names := make([]string, len(s.metrics))
		for i, m := range s.metrics {
			names[i] = m.name
		}
		layout[s.name] = names
	}

	req := &types.BatchedQuery{
		CollectionRef: g.key.collectionRef,
		Layout:        layout,
		WindowLimit:   g.key.windowLimit,
	}
	if g.key.hasStart {
		req.StartTimestamp = types.Int64(g.key.start)
	}
	return req
}

func (g *queryGroup) metricCount() int {
	n := 0
	for _, s := range g.series {
		n += len(s.metrics)
	}
	return n
}

func (g *queryGroup) resolve(result types.BatchedResult) {
	for _, s := range g.series {
		for _, m := range s.metrics {
			points := result.Lookup(s.name, m.name)
			if points == nil {
				points = []types.Point{}
			}
			for _, e := range m.entries {
				e.result.resolve(points)
			}
		}
	}
}

func (g *queryGroup) reject(err error) {
	for _, s := range g.series {
		for _, m := range s.metrics {
			for _, e := range m.entries {
				e.result.reject(err)
			}
		}
	}
}

// queryBatch accumulates entries of one accumulation window. It is flushed
// exactly once and never touched again afterwards.
type queryBatch struct {
	groups  []*queryGroup
	byKey   map[groupKey]*queryGroup
	entries int
}

func newQueryBatch() *queryBatch {
	return &queryBatch{byKey: make(map[groupKey]*queryGroup)}
}

func (qb *queryBatch) addEntry(e *batchEntry) {
	key := groupKeyOf(&e.query)
	g, ok := qb.byKey[key]
	if !ok {
		g = &queryGroup{
			key:    key,
			byName: make(map[string]*seriesEntries),
		}
		qb.byKey[key] = g
		qb.groups = append(qb.groups, g)
	}
	g.add(e)
	qb.entries++
}

type flushOptions struct {
	maxConcurrent int
	tracer        trace.Tracer
	onGroupError  func()
}

// flush issues one fetch per group and settles every entry. Groups are
// fetched concurrently; a failing group only rejects its own entries.
func (qb *queryBatch) flush(ctx context.Context, fetch FetchFunc, opts flushOptions) {
	var g errgroup.Group
	if opts.maxConcurrent > 0 {
		g.SetLimit(opts.maxConcurrent)
	}

	for _, group := range qb.groups {
		group := group
		g.Go(func() error {
			result, err := fetchGroup(ctx, fetch, group, opts.tracer)
			if err != nil {
				if opts.onGroupError != nil {
					opts.onGroupError()
				}
				group.reject(err)
				return nil
			}
			group.resolve(result)
			return nil
		})
	}

	_ = g.Wait()
}

func fetchGroup(ctx context.Context, fetch FetchFunc, group *queryGroup, tracer trace.Tracer) (result types.BatchedResult, err error) {
	req := group.request()

	ctx, span := tracer.Start(ctx, "QueryBatch.fetch", trace.WithAttributes(
		attribute.String("collection_ref", req.CollectionRef),
		attribute.Int("window_limit", req.WindowLimit),
		attribute.Int("series_count", len(group.series)),
		attribute.Int("metric_count", group.metricCount()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
	}()

	return fetch(ctx, req)
}
