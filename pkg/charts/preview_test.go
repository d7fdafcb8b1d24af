package charts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsbatch/pkg/types"
)

func TestPreviewFetcher(t *testing.T) {
	now := func() time.Time { return time.Unix(130, 0) }
	fetch := PreviewFetcher(staticSchemas, now)

	q := &types.BatchedQuery{
		CollectionRef: "c",
		Layout: map[string][]string{
			"bytes_a":   {"minute", "total", "missing"},
			"unmatched": {"minute"},
		},
		WindowLimit: 3,
	}

	result, err := fetch(context.Background(), q)
	require.NoError(t, err)

	points := result.Lookup("bytes_a", "minute")
	require.Len(t, points, 3)
	assert.Equal(t, int64(180), points[0].Timestamp)
	assert.Equal(t, int64(120), points[1].Timestamp)
	assert.Equal(t, int64(60), points[2].Timestamp)
	for _, p := range points {
		require.NotNil(t, p.Value)
		assert.GreaterOrEqual(t, *p.Value, 0.0)
		assert.Less(t, *p.Value, 5000.0)
	}

	_, ok := result["bytes_a"]["total"]
	assert.False(t, ok, "infinite resolution metrics are skipped")
	_, ok = result["bytes_a"]["missing"]
	assert.False(t, ok)
	_, ok = result["unmatched"]
	assert.False(t, ok)

	// Same input, same values
	again, err := fetch(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, points, again.Lookup("bytes_a", "minute"))
}

func TestPreviewFetcherStartTimestamp(t *testing.T) {
	fetch := PreviewFetcher(staticSchemas, nil)

	result, err := fetch(context.Background(), &types.BatchedQuery{
		Layout:         map[string][]string{"bytes_a": {"hour"}},
		StartTimestamp: types.Int64(7200),
		WindowLimit:    2,
	})
	require.NoError(t, err)

	points := result.Lookup("bytes_a", "hour")
	require.Len(t, points, 2)
	// An aligned start still moves to the next boundary
	assert.Equal(t, int64(10800), points[0].Timestamp)
	assert.Equal(t, int64(7200), points[1].Timestamp)
}

func TestPreviewFetcherValuesDependOnCollection(t *testing.T) {
	a := previewValue("a", "bytes_a", "minute", 0)
	assert.Equal(t, a, previewValue("a", "bytes_a", "minute", 0))

	differs := false
	for i := 0; i < 10; i++ {
		if previewValue("a", "bytes_a", "minute", i) != previewValue("b", "bytes_a", "minute", i) {
			differs = true
		}
	}
	assert.True(t, differs)
}
