package charts

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/types"
)

// maxConcurrentCharts bounds charts preparing their queries at once.
const maxConcurrentCharts = 8

// SeriesSpec describes one series of a chart. A dynamic series expands to
// every series of the collection produced by its name generator.
type SeriesSpec struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	DataSource string       `json:"dataSource"`
	Dynamic    bool         `json:"dynamic,omitempty"`
	Source     SeriesSource `json:"source"`
}

// ChartSpec describes a chart.
type ChartSpec struct {
	ID     string       `json:"id"`
	Title  string       `json:"title,omitempty"`
	Series []SeriesSpec `json:"series"`
}

// SectionSpec is a tree of charts.
type SectionSpec struct {
	Title    string        `json:"title,omitempty"`
	Charts   []ChartSpec   `json:"charts,omitempty"`
	Sections []SectionSpec `json:"sections,omitempty"`
}

// ViewParams select the window a chart is rendered for. A zero
// TimeResolution picks the finest resolution the chart supports.
type ViewParams struct {
	TimeResolution     int64  `json:"timeResolution,omitempty"`
	LastPointTimestamp *int64 `json:"lastPointTimestamp,omitempty"`
}

// RenderedSeries holds the points of a series, or the error which
// prevented loading them.
type RenderedSeries struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Points []types.Point `json:"points"`
	Error  string        `json:"error,omitempty"`
}

// RenderedChart holds the loaded series of a chart.
type RenderedChart struct {
	ID             string           `json:"id"`
	Title          string           `json:"title,omitempty"`
	TimeResolution int64            `json:"timeResolution"`
	Series         []RenderedSeries `json:"series"`
}

// RenderedSection mirrors SectionSpec with loaded charts.
type RenderedSection struct {
	Title    string            `json:"title,omitempty"`
	Charts   []RenderedChart   `json:"charts"`
	Sections []RenderedSection `json:"sections,omitempty"`
}

type pendingSeries struct {
	id     string
	name   string
	result *batcher.Result
	err    error
}

type pendingChart struct {
	spec       ChartSpec
	resolution int64
	series     []pendingSeries
}

// RenderChart loads every series of a chart.
func (p *Presenter) RenderChart(ctx context.Context, chart ChartSpec, view ViewParams) (*RenderedChart, error) {
	pending, err := p.issueChart(ctx, chart, view)
	if err != nil {
		return nil, err
	}
	return p.collectChart(ctx, pending)
}

// RenderSection loads every chart of a section tree. All queries are issued
// before any is waited for, so they end up in as few batches as possible.
func (p *Presenter) RenderSection(ctx context.Context, section SectionSpec, view ViewParams) (*RenderedSection, error) {
	var charts []ChartSpec
	collectCharts(section, &charts)

	pending := make([]*pendingChart, len(charts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCharts)
	for i, chart := range charts {
		i, chart := i, chart
		g.Go(func() error {
			pc, err := p.issueChart(gctx, chart, view)
			pending[i] = pc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rendered := make([]RenderedChart, len(pending))
	for i, pc := range pending {
		chart, err := p.collectChart(ctx, pc)
		if err != nil {
			return nil, err
		}
		rendered[i] = *chart
	}

	next := 0
	return buildSection(section, rendered, &next), nil
}

func collectCharts(section SectionSpec, charts *[]ChartSpec) {
	*charts = append(*charts, section.Charts...)
	for _, sub := range section.Sections {
		collectCharts(sub, charts)
	}
}

// buildSection rebuilds the section tree in the order collectCharts
// flattened it.
func buildSection(section SectionSpec, charts []RenderedChart, next *int) *RenderedSection {
	out := &RenderedSection{
		Title:  section.Title,
		Charts: charts[*next : *next+len(section.Charts)],
	}
	*next += len(section.Charts)
	for _, sub := range section.Sections {
		out.Sections = append(out.Sections, *buildSection(sub, charts, next))
	}
	return out
}

// issueChart queries every series of a chart without waiting for results.
// Failures of single series are kept with the series.
func (p *Presenter) issueChart(ctx context.Context, chart ChartSpec, view ViewParams) (*pendingChart, error) {
	resolution := view.TimeResolution
	if resolution == 0 {
		specs, err := p.TimeResolutions(ctx, chart)
		if err != nil {
			return nil, err
		}
		if len(specs) > 0 {
			resolution = specs[0].TimeResolution
		}
	}

	params := SeriesParams{
		TimeResolution:     resolution,
		PointsCount:        PointsCountForResolution(resolution),
		LastPointTimestamp: view.LastPointTimestamp,
	}

	pc := &pendingChart{spec: chart, resolution: resolution}
	for _, spec := range chart.Series {
		if !spec.Dynamic {
			result, err := p.querySeries(ctx, spec.DataSource, params, spec.Source)
			pc.series = append(pc.series, pendingSeries{
				id:     spec.ID,
				name:   seriesDisplayName(spec),
				result: result,
				err:    err,
			})
			continue
		}

		names, err := p.dynamicSeriesNames(ctx, spec.Source)
		if err != nil {
			pc.series = append(pc.series, pendingSeries{id: spec.ID, name: seriesDisplayName(spec), err: err})
			continue
		}
		for _, name := range names {
			src := spec.Source
			src.TimeSeriesName = name
			result, err := p.querySeries(ctx, spec.DataSource, params, src)
			pc.series = append(pc.series, pendingSeries{id: name, name: name, result: result, err: err})
		}
	}

	p.logger.Debug("Chart queries issued",
		"chart", chart.ID,
		"resolution", resolution,
		"series", len(pc.series),
	)
	return pc, nil
}

// collectChart waits for the queries of a pending chart. Only ctx errors
// fail the whole chart.
func (p *Presenter) collectChart(ctx context.Context, pc *pendingChart) (*RenderedChart, error) {
	out := &RenderedChart{
		ID:             pc.spec.ID,
		Title:          pc.spec.Title,
		TimeResolution: pc.resolution,
		Series:         make([]RenderedSeries, 0, len(pc.series)),
	}

	for _, s := range pc.series {
		rs := RenderedSeries{ID: s.id, Name: s.name, Points: []types.Point{}}
		switch {
		case s.err != nil:
			rs.Error = s.err.Error()
		case s.result != nil:
			points, err := s.result.Wait(ctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				rs.Error = err.Error()
				p.logger.Warn("Failed to load series", "chart", pc.spec.ID, "series", s.id, "error", err)
			} else {
				rs.Points = points
			}
		}
		out.Series = append(out.Series, rs)
	}

	return out, nil
}

func seriesDisplayName(spec SeriesSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.ID
}
