package storage

import (
	"reflect"
	"testing"
)

func TestIndexAddSeries(t *testing.T) {
	idx := NewIndex()

	id, added := idx.AddSeries("", "series_1", "metric_1")
	if !added {
		t.Error("Expected first add to report a new series")
	}
	if id == 0 {
		t.Error("Expected non-zero series ID")
	}

	// Adding same series again should return same ID
	id2, added := idx.AddSeries("", "series_1", "metric_1")
	if added {
		t.Error("Expected duplicate add to report an existing series")
	}
	if id != id2 {
		t.Errorf("Expected same ID for duplicate series: %d != %d", id, id2)
	}

	if idx.SeriesCount() != 1 {
		t.Errorf("Expected 1 series, got %d", idx.SeriesCount())
	}
}

func TestIndexCollectionsAreSeparate(t *testing.T) {
	idx := NewIndex()

	a, _ := idx.AddSeries("a", "series_1", "metric_1")
	b, _ := idx.AddSeries("b", "series_1", "metric_1")
	if a == b {
		t.Fatal("Expected different IDs for different collections")
	}

	if _, ok := idx.Lookup("c", "series_1", "metric_1"); ok {
		t.Error("Expected lookup in unknown collection to fail")
	}

	got, ok := idx.Lookup("b", "series_1", "metric_1")
	if !ok || got != b {
		t.Errorf("Expected lookup to return %d, got %d (found=%v)", b, got, ok)
	}
}

func TestIndexFingerprintSeparatesFields(t *testing.T) {
	if calculateFingerprint("", "ab", "c") == calculateFingerprint("", "a", "bc") {
		t.Error("Expected field boundaries to change the fingerprint")
	}
}

func TestIndexLayout(t *testing.T) {
	idx := NewIndex()
	idx.AddSeries("", "series_1", "metric_2")
	idx.AddSeries("", "series_1", "metric_1")
	idx.AddSeries("", "series_2", "metric_1")
	idx.AddSeries("other", "series_3", "metric_1")

	want := map[string][]string{
		"series_1": {"metric_1", "metric_2"},
		"series_2": {"metric_1"},
	}
	if got := idx.Layout(""); !reflect.DeepEqual(got, want) {
		t.Errorf("Unexpected layout: %v", got)
	}

	if got := idx.Layout("missing"); len(got) != 0 {
		t.Errorf("Expected empty layout, got %v", got)
	}
}

func TestIndexUpdateTimeRange(t *testing.T) {
	idx := NewIndex()
	id, _ := idx.AddSeries("", "series_1", "metric_1")

	if _, _, ok := idx.TimeRange(id); ok {
		t.Error("Expected no time range before the first update")
	}

	widened, err := idx.UpdateTimeRange(id, 100, 200)
	if err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}
	if !widened {
		t.Error("Expected first update to widen the range")
	}

	widened, err = idx.UpdateTimeRange(id, 50, 150)
	if err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}
	if !widened {
		t.Error("Expected older min time to widen the range")
	}

	widened, _ = idx.UpdateTimeRange(id, 60, 190)
	if widened {
		t.Error("Expected a range inside the known one not to widen it")
	}

	minTime, maxTime, ok := idx.TimeRange(id)
	if !ok || minTime != 50 || maxTime != 200 {
		t.Errorf("Unexpected time range: [%d, %d] (found=%v)", minTime, maxTime, ok)
	}

	if _, err := idx.UpdateTimeRange(42, 0, 0); err == nil {
		t.Error("Expected error for unknown series")
	}
}

func TestIndexEntryEncoding(t *testing.T) {
	meta := &seriesMetadata{CollectionRef: "collection", SeriesName: "series_1"}
	data := encodeIndexEntry(meta)
	got, err := decodeIndexEntry(data)
	if err != nil {
		t.Fatalf("Failed to decode index entry: %v", err)
	}
	if got.CollectionRef != "collection" || got.SeriesName != "series_1" || got.MetricName != "" || got.hasRange {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if got.ID != calculateFingerprint("collection", "series_1", "") {
		t.Errorf("Expected ID to be the fingerprint, got %d", got.ID)
	}

	if _, err := decodeIndexEntry(data[:len(data)-3]); err == nil {
		t.Error("Expected error for truncated entry")
	}
}

func TestIndexEntryEncodingWithTimeRange(t *testing.T) {
	meta := &seriesMetadata{
		CollectionRef: "c",
		SeriesName:    "s",
		MetricName:    "m",
		MinTime:       -7200,
		MaxTime:       1700000000,
		hasRange:      true,
	}
	got, err := decodeIndexEntry(encodeIndexEntry(meta))
	if err != nil {
		t.Fatalf("Failed to decode index entry: %v", err)
	}
	if !got.hasRange || got.MinTime != -7200 || got.MaxTime != 1700000000 {
		t.Errorf("Unexpected time range: %+v", got)
	}

	idx := NewIndex()
	idx.restore(got)
	minTime, maxTime, ok := idx.TimeRange(calculateFingerprint("c", "s", "m"))
	if !ok || minTime != -7200 || maxTime != 1700000000 {
		t.Errorf("Expected restored range, got [%d, %d] (found=%v)", minTime, maxTime, ok)
	}
}

func TestIndexClear(t *testing.T) {
	idx := NewIndex()
	idx.AddSeries("", "series_1", "metric_1")
	idx.Clear()

	if idx.SeriesCount() != 0 {
		t.Errorf("Expected empty index, got %d series", idx.SeriesCount())
	}
	if _, ok := idx.Lookup("", "series_1", "metric_1"); ok {
		t.Error("Expected lookup to fail after clear")
	}
}
