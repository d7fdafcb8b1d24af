package charts

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/types"
)

// previewValueRange bounds generated preview values.
const previewValueRange = 5000

// PreviewFetcher returns a fetch function which generates points instead of
// reading them, for previewing dashboards without data. A point value only
// depends on its collection, series, metric and index, so previews stay
// stable while a chart is being edited.
func PreviewFetcher(schemas SchemaProvider, now func() time.Time) batcher.FetchFunc {
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context, q *types.BatchedQuery) (types.BatchedResult, error) {
		seriesSchemas, err := schemas(ctx, q.CollectionRef)
		if err != nil {
			return nil, err
		}

		start := now().Unix()
		if q.StartTimestamp != nil {
			start = *q.StartTimestamp
		}

		result := make(types.BatchedResult)
		for seriesName, metricNames := range q.Layout {
			schema, ok := schemaForSeries(seriesSchemas, seriesName)
			if !ok {
				continue
			}

			for _, metricName := range metricNames {
				resolution := schema.Metrics[metricName].Resolution
				if resolution == types.ResolutionInfinity {
					continue
				}

				// The next resolution boundary after start
				offset := (start%resolution + resolution) % resolution
				first := start + resolution - offset
				points := make([]types.Point, 0, max(q.WindowLimit, 0))
				for i := 0; i < q.WindowLimit; i++ {
					points = append(points, types.Point{
						Timestamp: first - int64(i)*resolution,
						Value:     types.Float64(previewValue(q.CollectionRef, seriesName, metricName, i)),
					})
				}
				result.Set(seriesName, metricName, points)
			}
		}
		return result, nil
	}
}

func schemaForSeries(schemas []types.TimeSeriesSchema, seriesName string) (types.TimeSeriesSchema, bool) {
	for _, s := range schemas {
		if s.MatchesSeries(seriesName) {
			return s, true
		}
	}
	return types.TimeSeriesSchema{}, false
}

func previewValue(collectionRef, seriesName, metricName string, index int) float64 {
	d := xxhash.New()
	_, _ = d.WriteString(collectionRef)
	_, _ = d.WriteString(seriesName)
	_, _ = d.WriteString(metricName)
	_, _ = d.WriteString(strconv.Itoa(index))
	return float64(d.Sum64() % previewValueRange)
}
