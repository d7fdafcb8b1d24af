package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vjranagit/tsbatch/pkg/types"
)

func addQueries(qb *queryBatch, queries ...types.Query) []*Result {
	results := make([]*Result, len(queries))
	for i, q := range queries {
		e := &batchEntry{query: q, result: newResult()}
		qb.addEntry(e)
		results[i] = e.result
	}
	return results
}

func TestQueryBatchGroupsByCollectionAndTimeParams(t *testing.T) {
	qb := newQueryBatch()
	addQueries(qb,
		query(),
		query(withStart(100)),
		query(withLimit(20)),
		query(withCollection("c")),
		query(withMetric("metric_2")),
		query(withStart(100), withSeries("series_2")),
	)

	require.Len(t, qb.groups, 4)
	assert.Equal(t, 6, qb.entries)

	assert.Equal(t, map[string][]string{"series_1": {"metric_1", "metric_2"}}, qb.groups[0].request().Layout)
	assert.Equal(t, map[string][]string{"series_1": {"metric_1"}, "series_2": {"metric_1"}}, qb.groups[1].request().Layout)
	assert.Equal(t, 20, qb.groups[2].request().WindowLimit)
	assert.Equal(t, "c", qb.groups[3].request().CollectionRef)
}

func TestQueryBatchKeepsMetricInsertionOrder(t *testing.T) {
	qb := newQueryBatch()
	addQueries(qb,
		query(withMetric("zeta")),
		query(withMetric("alpha")),
		query(withMetric("zeta")),
		query(withMetric("mid")),
	)

	require.Len(t, qb.groups, 1)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, qb.groups[0].request().Layout["series_1"])
}

func TestQueryBatchNilStartDiffersFromZero(t *testing.T) {
	qb := newQueryBatch()
	addQueries(qb, query(), query(withStart(0)))

	require.Len(t, qb.groups, 2)
	assert.Nil(t, qb.groups[0].request().StartTimestamp)
	require.NotNil(t, qb.groups[1].request().StartTimestamp)
	assert.Equal(t, int64(0), *qb.groups[1].request().StartTimestamp)
}

func TestQueryBatchFlushDispatchesAllGroupsConcurrently(t *testing.T) {
	qb := newQueryBatch()
	results := addQueries(qb, query(), query(withLimit(1)), query(withLimit(2)))

	// Every fetch waits until all three have started.
	var started sync.WaitGroup
	started.Add(3)
	fetch := func(_ context.Context, q *types.BatchedQuery) (types.BatchedResult, error) {
		started.Done()
		started.Wait()
		if q.WindowLimit == 1 {
			return nil, errors.New("limit one unavailable")
		}
		return types.BatchedResult{"series_1": {"metric_1": {{Timestamp: int64(q.WindowLimit)}}}}, nil
	}

	qb.flush(context.Background(), fetch, flushOptions{tracer: noop.NewTracerProvider().Tracer("test")})

	for _, r := range results {
		assert.True(t, r.Settled())
	}
	points, err := results[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Point{{Timestamp: 10}}, points)

	_, err = results[1].Wait(context.Background())
	assert.EqualError(t, err, "limit one unavailable")

	points, err = results[2].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Point{{Timestamp: 2}}, points)
}

func TestQueryBatchDuplicatesShareResult(t *testing.T) {
	qb := newQueryBatch()
	results := addQueries(qb, query(), query(), query())

	want := []types.Point{{Timestamp: 5, Value: types.Float64(3)}}
	qb.flush(context.Background(), func(context.Context, *types.BatchedQuery) (types.BatchedResult, error) {
		return types.BatchedResult{"series_1": {"metric_1": want}}, nil
	}, flushOptions{tracer: noop.NewTracerProvider().Tracer("test")})

	for _, r := range results {
		points, err := r.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, points)
	}
}
