// Package charts loads chart series through per data source query
// batchers, so every series of a dashboard rendered at once shares a
// handful of storage fetches.
package charts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/types"
)

// ErrUnknownDataSource is returned for a data source without a batcher.
var ErrUnknownDataSource = errors.New("charts: unknown data source")

// pointsCountPerResolution is how many points a chart shows per resolution.
var pointsCountPerResolution = map[int64]int{
	types.ResolutionFiveSeconds: 24, // 2 minutes
	types.ResolutionMinute:      30, // half an hour
	types.ResolutionHour:        24, // 1 day
	types.ResolutionDay:         30, // 1 month
	types.ResolutionWeek:        13, // ~3 months
	types.ResolutionMonth:       12, // ~1 year
	types.ResolutionYear:        10, // 10 years
}

// defaultUpdateInterval is the live chart refresh period in seconds.
const defaultUpdateInterval = 5

// PointsCountForResolution returns the number of points shown for a
// resolution, or 0 when charts do not support it.
func PointsCountForResolution(resolution int64) int {
	return pointsCountPerResolution[resolution]
}

// SchemaProvider returns the time series schemas of a collection.
type SchemaProvider func(ctx context.Context, collectionRef string) ([]types.TimeSeriesSchema, error)

// LayoutProvider returns the series and metrics present in a collection.
type LayoutProvider func(ctx context.Context, collectionRef string) (map[string][]string, error)

// SeriesParams are the view parameters of a single series fetch.
type SeriesParams struct {
	TimeResolution     int64  `json:"timeResolution"`
	PointsCount        int    `json:"pointsCount"`
	LastPointTimestamp *int64 `json:"lastPointTimestamp"`
}

// SeriesSource points at the series a chart series is loaded from.
type SeriesSource struct {
	CollectionRef           string   `json:"collectionRef,omitempty"`
	TimeSeriesNameGenerator string   `json:"timeSeriesNameGenerator"`
	TimeSeriesName          string   `json:"timeSeriesName,omitempty"`
	MetricNames             []string `json:"metricNames,omitempty"`
}

// TimeResolutionSpec is a resolution a chart can be viewed in.
type TimeResolutionSpec struct {
	TimeResolution int64 `json:"timeResolution"`
	PointsCount    int   `json:"pointsCount"`
	UpdateInterval int   `json:"updateInterval"`
}

// PresenterConfig configures a Presenter. Every data source must be served
// either by a fetch function or by a prebuilt batcher.
type PresenterConfig struct {
	// DataSources get a batcher each, owned and destroyed by the Presenter.
	DataSources map[string]batcher.FetchFunc
	// Batchers are used as given and never destroyed by the Presenter.
	Batchers map[string]*batcher.Batcher
	// Batcher configures the batchers built for DataSources.
	Batcher *batcher.Config

	Schemas SchemaProvider
	// Layouts expands dynamic series. Without it dynamic series are empty.
	Layouts LayoutProvider
	Logger  *slog.Logger
}

// Presenter renders charts from batched time series queries.
type Presenter struct {
	batchers map[string]*batcher.Batcher
	owned    []*batcher.Batcher
	schemas  SchemaProvider
	layouts  LayoutProvider
	logger   *slog.Logger
}

// NewPresenter creates a Presenter.
func NewPresenter(cfg PresenterConfig) (*Presenter, error) {
	if cfg.Schemas == nil {
		return nil, errors.New("charts: schema provider is required")
	}

	p := &Presenter{
		batchers: make(map[string]*batcher.Batcher, len(cfg.DataSources)+len(cfg.Batchers)),
		schemas:  cfg.Schemas,
		layouts:  cfg.Layouts,
		logger:   cfg.Logger,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for name, b := range cfg.Batchers {
		p.batchers[name] = b
	}
	for name, fetch := range cfg.DataSources {
		if _, exists := p.batchers[name]; exists {
			p.Destroy()
			return nil, fmt.Errorf("charts: data source %q configured twice", name)
		}
		b, err := batcher.New(fetch, cfg.Batcher)
		if err != nil {
			p.Destroy()
			return nil, fmt.Errorf("charts: data source %q: %w", name, err)
		}
		p.batchers[name] = b
		p.owned = append(p.owned, b)
	}

	return p, nil
}

// Batcher returns the batcher serving a data source.
func (p *Presenter) Batcher(dataSource string) (*batcher.Batcher, bool) {
	b, ok := p.batchers[dataSource]
	return b, ok
}

// Destroy destroys the batchers built by the Presenter.
func (p *Presenter) Destroy() {
	for _, b := range p.owned {
		b.Destroy()
	}
	p.owned = nil
}

// FetchSeries loads the points of a single series. It returns no points
// when the series cannot be resolved to a metric of the requested
// resolution.
func (p *Presenter) FetchSeries(ctx context.Context, dataSource string, params SeriesParams, src SeriesSource) ([]types.Point, error) {
	result, err := p.querySeries(ctx, dataSource, params, src)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return []types.Point{}, nil
	}
	return result.Wait(ctx)
}

// querySeries issues the batcher query of a series without waiting for it.
// A nil result means the series has no points.
func (p *Presenter) querySeries(ctx context.Context, dataSource string, params SeriesParams, src SeriesSource) (*batcher.Result, error) {
	b, ok := p.batchers[dataSource]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataSource, dataSource)
	}

	if params.TimeResolution == 0 || src.TimeSeriesName == "" || src.TimeSeriesNameGenerator == "" {
		return nil, nil
	}

	schemas, err := p.schemas(ctx, src.CollectionRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get time series schemas: %w", err)
	}
	schema, ok := types.FindSchema(schemas, src.TimeSeriesNameGenerator)
	if !ok {
		return nil, nil
	}
	metricName, ok := schema.MetricForResolution(params.TimeResolution)
	if !ok {
		return nil, nil
	}

	return b.Query(types.Query{
		CollectionRef:  src.CollectionRef,
		SeriesName:     src.TimeSeriesName,
		MetricName:     metricName,
		StartTimestamp: params.LastPointTimestamp,
		WindowLimit:    params.PointsCount,
	}), nil
}

// TimeResolutions returns the resolutions, ascending, which every series
// source of the chart provides and charts support.
func (p *Presenter) TimeResolutions(ctx context.Context, chart ChartSpec) ([]TimeResolutionSpec, error) {
	var common map[int64]bool
	for _, series := range chart.Series {
		schemas, err := p.schemas(ctx, series.Source.CollectionRef)
		if err != nil {
			return nil, fmt.Errorf("failed to get time series schemas: %w", err)
		}

		available := resolutionsForMetricNames(schemas, series.Source.TimeSeriesNameGenerator, series.Source.MetricNames)
		if common == nil {
			common = available
			continue
		}
		for res := range common {
			if !available[res] {
				delete(common, res)
			}
		}
	}

	specs := make([]TimeResolutionSpec, 0, len(common))
	for res := range common {
		count := PointsCountForResolution(res)
		if count == 0 {
			continue
		}
		specs = append(specs, TimeResolutionSpec{
			TimeResolution: res,
			PointsCount:    count,
			UpdateInterval: defaultUpdateInterval,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].TimeResolution < specs[j].TimeResolution })
	return specs, nil
}

// resolutionsForMetricNames returns the set of non-zero resolutions of the
// named metrics in the schema with the given name generator.
func resolutionsForMetricNames(schemas []types.TimeSeriesSchema, nameGenerator string, metricNames []string) map[int64]bool {
	resolutions := make(map[int64]bool)
	schema, ok := types.FindSchema(schemas, nameGenerator)
	if !ok {
		return resolutions
	}
	for _, name := range metricNames {
		if metric, ok := schema.Metrics[name]; ok && metric.Resolution != types.ResolutionInfinity {
			resolutions[metric.Resolution] = true
		}
	}
	return resolutions
}

// dynamicSeriesNames lists the series of a collection produced by a name
// generator.
func (p *Presenter) dynamicSeriesNames(ctx context.Context, src SeriesSource) ([]string, error) {
	if p.layouts == nil || src.TimeSeriesNameGenerator == "" {
		return nil, nil
	}
	layout, err := p.layouts(ctx, src.CollectionRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection layout: %w", err)
	}

	var names []string
	for name := range layout {
		if strings.HasPrefix(name, src.TimeSeriesNameGenerator) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
