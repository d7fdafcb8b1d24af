package types

// Point is a single time-series point. A nil Value means there were no
// measurements in the point's window.
type Point struct {
	Timestamp int64    `json:"timestamp"`
	Value     *float64 `json:"value"`
}

// Query asks for the newest WindowLimit points of one metric of one series,
// counting backward from StartTimestamp (nil means "now").
//
// An empty CollectionRef addresses the default collection.
type Query struct {
	CollectionRef  string `json:"collectionRef,omitempty"`
	SeriesName     string `json:"seriesName"`
	MetricName     string `json:"metricName"`
	StartTimestamp *int64 `json:"startTimestamp"`
	WindowLimit    int    `json:"windowLimit"`
}

// BatchedQuery is a single physical fetch covering many series/metric pairs
// which share the collection and the time parameters.
type BatchedQuery struct {
	CollectionRef string `json:"collectionRef,omitempty"`
	// Layout maps series names to metric names, in the order they were
	// first requested.
	Layout         map[string][]string `json:"layout"`
	StartTimestamp *int64              `json:"startTimestamp"`
	WindowLimit    int                 `json:"windowLimit"`
}

// BatchedResult is a nested map: series name -> metric name -> points.
type BatchedResult map[string]map[string][]Point

// Lookup returns the points for the given series and metric, or nil when
// the result does not mention them.
func (r BatchedResult) Lookup(seriesName, metricName string) []Point {
	metrics, ok := r[seriesName]
	if !ok {
		return nil
	}
	return metrics[metricName]
}

// Set stores points under the given series and metric.
func (r BatchedResult) Set(seriesName, metricName string, points []Point) {
	metrics, ok := r[seriesName]
	if !ok {
		metrics = make(map[string][]Point)
		r[seriesName] = metrics
	}
	metrics[metricName] = points
}

// Series carries points of a single metric of a single series.
type Series struct {
	Name   string  `json:"name"`
	Metric string  `json:"metric"`
	Points []Point `json:"points"`
}

// WriteRequest represents a write request to the storage engine
type WriteRequest struct {
	CollectionRef string   `json:"collectionRef,omitempty"`
	Series        []Series `json:"series"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
