package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Index manages the time-series index: which metrics of which series exist in
// which collection.
type Index struct {
	// Maps fingerprint to series metadata
	series map[uint64]*seriesMetadata
	// collection -> series name -> metric name -> fingerprint
	collections map[string]map[string]map[string]uint64
}

// seriesMetadata holds metadata about a single metric of a single series.
// The time range spans every point ever written; expired blocks do not
// shrink it.
type seriesMetadata struct {
	ID            uint64
	CollectionRef string
	SeriesName    string
	MetricName    string
	MinTime       int64
	MaxTime       int64
	hasRange      bool
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:      make(map[uint64]*seriesMetadata),
		collections: make(map[string]map[string]map[string]uint64),
	}
}

// AddSeries adds a (collection, series, metric) triple to the index and
// reports whether it was not indexed before.
func (idx *Index) AddSeries(collectionRef, seriesName, metricName string) (uint64, bool) {
	fingerprint := calculateFingerprint(collectionRef, seriesName, metricName)

	if meta, exists := idx.series[fingerprint]; exists {
		return meta.ID, false
	}

	idx.series[fingerprint] = &seriesMetadata{
		ID:            fingerprint,
		CollectionRef: collectionRef,
		SeriesName:    seriesName,
		MetricName:    metricName,
	}

	seriesMap, ok := idx.collections[collectionRef]
	if !ok {
		seriesMap = make(map[string]map[string]uint64)
		idx.collections[collectionRef] = seriesMap
	}
	metrics, ok := seriesMap[seriesName]
	if !ok {
		metrics = make(map[string]uint64)
		seriesMap[seriesName] = metrics
	}
	metrics[metricName] = fingerprint

	return fingerprint, true
}

// Lookup returns the fingerprint of an indexed triple.
func (idx *Index) Lookup(collectionRef, seriesName, metricName string) (uint64, bool) {
	fp, ok := idx.collections[collectionRef][seriesName][metricName]
	return fp, ok
}

// TimeRange returns the oldest and newest timestamps written to a series.
func (idx *Index) TimeRange(id uint64) (minTime, maxTime int64, ok bool) {
	meta, exists := idx.series[id]
	if !exists || !meta.hasRange {
		return 0, 0, false
	}
	return meta.MinTime, meta.MaxTime, true
}

// Layout returns series names mapped to their sorted metric names for the
// given collection.
func (idx *Index) Layout(collectionRef string) map[string][]string {
	seriesMap := idx.collections[collectionRef]
	layout := make(map[string][]string, len(seriesMap))
	for seriesName, metrics := range seriesMap {
		names := make([]string, 0, len(metrics))
		for name := range metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		layout[seriesName] = names
	}
	return layout
}

// UpdateTimeRange widens the time range of a series and reports whether it
// changed.
func (idx *Index) UpdateTimeRange(id uint64, minTime, maxTime int64) (bool, error) {
	meta, ok := idx.series[id]
	if !ok {
		return false, fmt.Errorf("series %d not found", id)
	}

	widened := false
	if !meta.hasRange || minTime < meta.MinTime {
		meta.MinTime = minTime
		widened = true
	}
	if !meta.hasRange || maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
		widened = true
	}
	meta.hasRange = true

	return widened, nil
}

// restore adds a persisted entry back into the index.
func (idx *Index) restore(meta *seriesMetadata) {
	id, _ := idx.AddSeries(meta.CollectionRef, meta.SeriesName, meta.MetricName)
	if meta.hasRange {
		_, _ = idx.UpdateTimeRange(id, meta.MinTime, meta.MaxTime)
	}
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	return len(idx.series)
}

// calculateFingerprint hashes the triple with zero byte separators
func calculateFingerprint(collectionRef, seriesName, metricName string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(collectionRef)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(seriesName)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(metricName)
	return d.Sum64()
}

// encodeIndexEntry serializes an index entry for persistence: the triple as
// length-prefixed strings, followed by the time range once one is known.
func encodeIndexEntry(meta *seriesMetadata) []byte {
	buf := new(bytes.Buffer)
	var n [binary.MaxVarintLen64]byte
	for _, s := range []string{meta.CollectionRef, meta.SeriesName, meta.MetricName} {
		buf.Write(n[:binary.PutUvarint(n[:], uint64(len(s)))])
		buf.WriteString(s)
	}
	if meta.hasRange {
		buf.Write(n[:binary.PutVarint(n[:], meta.MinTime)])
		buf.Write(n[:binary.PutVarint(n[:], meta.MaxTime)])
	}
	return buf.Bytes()
}

// decodeIndexEntry reverses encodeIndexEntry.
func decodeIndexEntry(data []byte) (*seriesMetadata, error) {
	fields := make([]string, 3)
	r := bytes.NewReader(data)
	for i := range fields {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read index entry: %w", err)
		}
		if n > uint64(r.Len()) {
			return nil, errors.New("index entry field exceeds entry size")
		}
		field := make([]byte, n)
		_, _ = r.Read(field)
		fields[i] = string(field)
	}

	meta := &seriesMetadata{
		ID:            calculateFingerprint(fields[0], fields[1], fields[2]),
		CollectionRef: fields[0],
		SeriesName:    fields[1],
		MetricName:    fields[2],
	}
	if r.Len() == 0 {
		return meta, nil
	}

	minTime, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read index time range: %w", err)
	}
	maxTime, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read index time range: %w", err)
	}
	meta.MinTime, meta.MaxTime, meta.hasRange = minTime, maxTime, true
	return meta, nil
}

// Clear clears the index
func (idx *Index) Clear() {
	idx.series = make(map[uint64]*seriesMetadata)
	idx.collections = make(map[string]map[string]map[string]uint64)
}
