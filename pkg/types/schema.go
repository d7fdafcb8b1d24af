package types

import (
	"strings"
)

// Metric resolutions in seconds.
const (
	ResolutionFiveSeconds int64 = 5
	ResolutionMinute      int64 = 60
	ResolutionHour        int64 = 60 * 60
	ResolutionDay         int64 = 24 * 60 * 60
	ResolutionWeek        int64 = 7 * 24 * 60 * 60
	ResolutionMonth       int64 = 30 * 24 * 60 * 60
	ResolutionYear        int64 = 365 * 24 * 60 * 60
	// ResolutionInfinity marks a metric that aggregates everything into a
	// single window.
	ResolutionInfinity int64 = 0
)

// MetricSchema describes one metric of a time series.
type MetricSchema struct {
	Aggregator string `json:"aggregator" yaml:"aggregator"`
	Resolution int64  `json:"resolution" yaml:"resolution"`
	Retention  int    `json:"retention" yaml:"retention"`
}

// TimeSeriesSchema describes a family of series. A series belongs to the
// family when its name starts with NameGenerator.
type TimeSeriesSchema struct {
	NameGenerator string                  `json:"nameGenerator" yaml:"name_generator"`
	Metrics       map[string]MetricSchema `json:"metrics" yaml:"metrics"`
}

// MatchesSeries reports whether seriesName was produced by this schema.
func (s TimeSeriesSchema) MatchesSeries(seriesName string) bool {
	return strings.HasPrefix(seriesName, s.NameGenerator)
}

// MetricForResolution returns the name of a metric with the given resolution.
// When several metrics share it, the lexically smallest name wins.
func (s TimeSeriesSchema) MetricForResolution(resolution int64) (string, bool) {
	found := ""
	for name, metric := range s.Metrics {
		if metric.Resolution != resolution {
			continue
		}
		if found == "" || name < found {
			found = name
		}
	}
	return found, found != ""
}

// FindSchema returns the schema with the given name generator.
func FindSchema(schemas []TimeSeriesSchema, nameGenerator string) (TimeSeriesSchema, bool) {
	for _, s := range schemas {
		if s.NameGenerator == nameGenerator {
			return s, true
		}
	}
	return TimeSeriesSchema{}, false
}
