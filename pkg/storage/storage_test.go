package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vjranagit/tsbatch/pkg/types"
)

func newTestStore(t *testing.T, cfg *Config) *Store {
	t.Helper()
	if cfg == nil {
		cfg = &Config{Path: t.TempDir(), RetentionDays: 30, CompressionLevel: 2}
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func timestamps(points []types.Point) []int64 {
	ts := make([]int64, len(points))
	for i, p := range points {
		ts[i] = p.Timestamp
	}
	return ts
}

func writeSeries(t *testing.T, store Storage, collectionRef, series, metric string, points ...types.Point) {
	t.Helper()
	err := store.Write(context.Background(), &types.WriteRequest{
		CollectionRef: collectionRef,
		Series:        []types.Series{{Name: series, Metric: metric, Points: points}},
	})
	if err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
}

func TestStoreWriteAndFetch(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	// Points span three hour blocks
	writeSeries(t, store, "", "series_1", "metric_1",
		types.Point{Timestamp: 3500, Value: types.Float64(1)},
		types.Point{Timestamp: 3600, Value: types.Float64(2)},
		types.Point{Timestamp: 3700},
		types.Point{Timestamp: 7300, Value: types.Float64(4)},
	)

	result, err := store.Fetch(ctx, &types.BatchedQuery{
		Layout:      map[string][]string{"series_1": {"metric_1"}},
		WindowLimit: 10,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	points := result.Lookup("series_1", "metric_1")
	if got, want := timestamps(points), []int64{7300, 3700, 3600, 3500}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected newest first %v, got %v", want, got)
	}
	if *points[0].Value != 4 || points[1].Value != nil || *points[3].Value != 1 {
		t.Errorf("Unexpected values: %+v", points)
	}
}

func TestStoreFetchStartAndLimit(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	var points []types.Point
	for ts := int64(3000); ts <= 8000; ts += 500 {
		points = append(points, types.Point{Timestamp: ts, Value: types.Float64(float64(ts))})
	}
	writeSeries(t, store, "", "series_1", "metric_1", points...)

	testCases := []struct {
		name  string
		start *int64
		limit int
		want  []int64
	}{
		{"newest", nil, 3, []int64{8000, 7500, 7000}},
		{"start inside block", types.Int64(3650), 2, []int64{3500, 3000}},
		{"start on point", types.Int64(7000), 3, []int64{7000, 6500, 6000}},
		{"start before data", types.Int64(100), 3, []int64{}},
		{"limit larger than data", types.Int64(4000), 10, []int64{4000, 3500, 3000}},
		{"zero limit", nil, 0, []int64{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := store.Fetch(ctx, &types.BatchedQuery{
				Layout:         map[string][]string{"series_1": {"metric_1"}},
				StartTimestamp: tc.start,
				WindowLimit:    tc.limit,
			})
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if got := timestamps(result.Lookup("series_1", "metric_1")); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestStoreFetchOmitsUnknownSeries(t *testing.T) {
	store := newTestStore(t, nil)
	writeSeries(t, store, "c", "series_1", "metric_1", types.Point{Timestamp: 10, Value: types.Float64(1)})

	result, err := store.Fetch(context.Background(), &types.BatchedQuery{
		CollectionRef: "c",
		Layout: map[string][]string{
			"series_1": {"metric_1", "metric_2"},
			"series_2": {"metric_1"},
		},
		WindowLimit: 5,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(result.Lookup("series_1", "metric_1")) != 1 {
		t.Errorf("Expected stored metric, got %v", result)
	}
	if _, ok := result["series_1"]["metric_2"]; ok {
		t.Error("Expected unknown metric to be omitted")
	}
	if _, ok := result["series_2"]; ok {
		t.Error("Expected unknown series to be omitted")
	}

	// Same names in the default collection are unknown
	result, err = store.Fetch(context.Background(), &types.BatchedQuery{
		Layout:      map[string][]string{"series_1": {"metric_1"}},
		WindowLimit: 5,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("Expected empty result for default collection, got %v", result)
	}
}

func TestStoreWriteOverwritesTimestamp(t *testing.T) {
	store := newTestStore(t, nil)

	writeSeries(t, store, "", "s", "m",
		types.Point{Timestamp: 100, Value: types.Float64(1)},
		types.Point{Timestamp: 105, Value: types.Float64(2)},
	)
	writeSeries(t, store, "", "s", "m",
		types.Point{Timestamp: 105, Value: types.Float64(20)},
		types.Point{Timestamp: 110, Value: types.Float64(3)},
	)

	result, err := store.Fetch(context.Background(), &types.BatchedQuery{
		Layout:      map[string][]string{"s": {"m"}},
		WindowLimit: 10,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	points := result.Lookup("s", "m")
	if got, want := timestamps(points), []int64{110, 105, 100}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if *points[1].Value != 20 {
		t.Errorf("Expected overwritten value 20, got %f", *points[1].Value)
	}
}

func TestStoreNegativeTimestamps(t *testing.T) {
	store := newTestStore(t, nil)
	writeSeries(t, store, "", "s", "m",
		types.Point{Timestamp: -3601, Value: types.Float64(1)},
		types.Point{Timestamp: -1, Value: types.Float64(2)},
		types.Point{Timestamp: 0, Value: types.Float64(3)},
	)

	result, err := store.Fetch(context.Background(), &types.BatchedQuery{
		Layout:         map[string][]string{"s": {"m"}},
		StartTimestamp: types.Int64(-1),
		WindowLimit:    10,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got, want := timestamps(result.Lookup("s", "m")), []int64{-1, -3601}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestStoreLayout(t *testing.T) {
	store := newTestStore(t, nil)
	writeSeries(t, store, "c", "series_1", "metric_2", types.Point{Timestamp: 1})
	writeSeries(t, store, "c", "series_1", "metric_1", types.Point{Timestamp: 1})
	writeSeries(t, store, "c", "series_2", "metric_1")

	layout, err := store.Layout(context.Background(), "c")
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}

	// Series without points are not indexed
	want := map[string][]string{"series_1": {"metric_1", "metric_2"}}
	if !reflect.DeepEqual(layout, want) {
		t.Errorf("Expected %v, got %v", want, layout)
	}
}

func TestStoreReopen(t *testing.T) {
	cfg := &Config{Path: t.TempDir(), RetentionDays: 30, CompressionLevel: 2, EnableWAL: true}

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	writeSeries(t, store, "c", "s", "m", types.Point{Timestamp: 42, Value: types.Float64(7)})
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close storage: %v", err)
	}

	store = newTestStore(t, cfg)
	result, err := store.Fetch(context.Background(), &types.BatchedQuery{
		CollectionRef: "c",
		Layout:        map[string][]string{"s": {"m"}},
		WindowLimit:   1,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	points := result.Lookup("s", "m")
	if len(points) != 1 || points[0].Timestamp != 42 || *points[0].Value != 7 {
		t.Errorf("Unexpected points after reopen: %+v", points)
	}
}

func TestStoreReplaysWAL(t *testing.T) {
	cfg := &Config{Path: t.TempDir(), RetentionDays: 30, CompressionLevel: 2, EnableWAL: true}

	// A WAL left behind without the writes reaching badger
	wal, err := NewWAL(cfg.Path, nil)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	err = wal.Append(&types.WriteRequest{
		CollectionRef: "c",
		Series:        []types.Series{{Name: "s", Metric: "m", Points: []types.Point{{Timestamp: 5, Value: types.Float64(1)}}}},
	})
	if err != nil {
		t.Fatalf("Failed to append to WAL: %v", err)
	}
	wal.Close()

	store := newTestStore(t, cfg)
	layout, err := store.Layout(context.Background(), "c")
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if !reflect.DeepEqual(layout, map[string][]string{"s": {"m"}}) {
		t.Errorf("Expected replayed series in layout, got %v", layout)
	}
}

func TestStoreInMemory(t *testing.T) {
	store := newTestStore(t, &Config{InMemory: true, CompressionLevel: 1})
	writeSeries(t, store, "", "s", "m", types.Point{Timestamp: 1, Value: types.Float64(1)})

	result, err := store.Fetch(context.Background(), &types.BatchedQuery{
		Layout:      map[string][]string{"s": {"m"}},
		WindowLimit: 1,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(result.Lookup("s", "m")) != 1 {
		t.Errorf("Unexpected result: %v", result)
	}
}

func TestStoreClosed(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Write(ctx, &types.WriteRequest{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Write, got %v", err)
	}
	if _, err := store.Fetch(ctx, &types.BatchedQuery{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Fetch, got %v", err)
	}
	if _, err := store.Layout(ctx, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Layout, got %v", err)
	}
}

func TestBlockStart(t *testing.T) {
	testCases := map[int64]int64{
		0:     0,
		3599:  0,
		3600:  3600,
		-1:    -3600,
		-3600: -3600,
		-3601: -7200,
	}
	for ts, want := range testCases {
		if got := blockStart(ts); got != want {
			t.Errorf("blockStart(%d) = %d, want %d", ts, got, want)
		}
	}
}

func TestStoreTimeRangeSurvivesReopen(t *testing.T) {
	cfg := &Config{Path: t.TempDir(), RetentionDays: 30, CompressionLevel: 2}

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	writeSeries(t, store, "c", "s", "m", types.Point{Timestamp: 7300, Value: types.Float64(1)})
	writeSeries(t, store, "c", "s", "m", types.Point{Timestamp: 3700, Value: types.Float64(2)})
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close storage: %v", err)
	}

	store = newTestStore(t, cfg)
	id, ok := store.index.Lookup("c", "s", "m")
	if !ok {
		t.Fatal("Expected series to be indexed after reopen")
	}
	minTime, maxTime, ok := store.index.TimeRange(id)
	if !ok || minTime != 3700 || maxTime != 7300 {
		t.Errorf("Expected range [3700, 7300] after reopen, got [%d, %d] (found=%v)", minTime, maxTime, ok)
	}

	fetch := func(start int64) []types.Point {
		t.Helper()
		result, err := store.Fetch(context.Background(), &types.BatchedQuery{
			CollectionRef:  "c",
			Layout:         map[string][]string{"s": {"m"}},
			StartTimestamp: types.Int64(start),
			WindowLimit:    5,
		})
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		return result["s"]["m"]
	}

	// Older than anything written: empty, but present
	if points := fetch(3699); points == nil || len(points) != 0 {
		t.Errorf("Expected empty non-nil points before the series range, got %+v", points)
	}
	if got := timestamps(fetch(3700)); !reflect.DeepEqual(got, []int64{3700}) {
		t.Errorf("Expected [3700], got %v", got)
	}
}

func TestStoreRejectsLongCollectionRef(t *testing.T) {
	store := newTestStore(t, &Config{InMemory: true, CompressionLevel: 1})

	err := store.Write(context.Background(), &types.WriteRequest{
		CollectionRef: strings.Repeat("c", MaxCollectionRefLength+1),
		Series:        []types.Series{{Name: "s", Metric: "m", Points: []types.Point{{Timestamp: 1}}}},
	})
	if !errors.Is(err, ErrCollectionRefTooLong) {
		t.Errorf("Expected ErrCollectionRefTooLong, got %v", err)
	}

	writeSeries(t, store, strings.Repeat("c", MaxCollectionRefLength), "s", "m", types.Point{Timestamp: 1})
}

func TestSeriesKeyPrefixLengths(t *testing.T) {
	// Lengths 65536 apart must not encode alike.
	short := seriesKeyPrefix(strings.Repeat("c", 4), 1)
	long := seriesKeyPrefix(strings.Repeat("c", 4+65536), 1)

	for _, tc := range []struct {
		prefix []byte
		want   uint64
	}{{short, 4}, {long, 4 + 65536}} {
		n, size := binary.Uvarint(tc.prefix[len(blockPrefix):])
		if size <= 0 || n != tc.want {
			t.Errorf("Expected key to carry collection length %d, got %d", tc.want, n)
		}
	}
}
