package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vjranagit/tsbatch/pkg/types"
)

// blockDuration is the time span covered by a single stored block.
const blockDuration int64 = 3600

var (
	blockPrefix = []byte("blk/")
	indexPrefix = []byte("idx/")
)

// MaxCollectionRefLength bounds collection references so block keys stay
// well under badger's key size limit.
const MaxCollectionRefLength = 4096

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store is closed")

	// ErrCollectionRefTooLong is returned by Write for a collection
	// reference longer than MaxCollectionRefLength.
	ErrCollectionRefTooLong = errors.New("storage: collection reference too long")
)

// Storage interface defines the contract for time-series storage
type Storage interface {
	// Write merges points into storage
	Write(ctx context.Context, req *types.WriteRequest) error

	// Fetch serves a batched query. Series and metrics which do not exist
	// are left out of the result.
	Fetch(ctx context.Context, q *types.BatchedQuery) (types.BatchedResult, error)

	// Layout lists the series and metrics stored in a collection
	Layout(ctx context.Context, collectionRef string) (map[string][]string, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	EnableWAL        bool
	// InMemory keeps badger data in memory only, WAL included.
	InMemory bool
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
		EnableWAL:        true,
	}
}

// Store implements Storage using BadgerDB
type Store struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) { s.tracer = tracer }
}

// NewStore opens a store, loads its index and replays any WAL left behind
// by a previous run.
func NewStore(cfg *Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Store{
		cfg:    cfg,
		index:  NewIndex(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: noop.NewTracerProvider().Tracer("storage"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	s.db = db

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	s.compressor = compressor

	if err := s.loadIndex(); err != nil {
		s.closeResources()
		return nil, err
	}

	if cfg.EnableWAL && !cfg.InMemory {
		replayed := 0
		err := ReplayWAL(cfg.Path, func(req *types.WriteRequest) error {
			replayed++
			return s.writeDirect(req)
		})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if replayed > 0 {
			s.logger.Info("Replayed WAL entries", "entries", replayed)
		}

		wal, err := NewWAL(cfg.Path, s.logger)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.wal = wal
	}

	s.logger.Info("Storage opened",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
		"series", s.index.SeriesCount(),
	)
	return s, nil
}

// loadIndex rebuilds the in-memory index from persisted index entries.
func (s *Store) loadIndex() error {
	s.index.Clear()
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = indexPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				meta, err := decodeIndexEntry(val)
				if err != nil {
					return err
				}
				s.index.restore(meta)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to load index: %w", err)
			}
		}
		return nil
	})
}

// Write implements Storage.Write
func (s *Store) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(req.CollectionRef) > MaxCollectionRefLength {
		return fmt.Errorf("%w: %d bytes", ErrCollectionRefTooLong, len(req.CollectionRef))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.wal != nil {
		if err := s.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	return s.writeDirect(req)
}

// writeDirect writes a request to badger, bypassing the WAL. Callers hold
// the write lock or own the store exclusively.
func (s *Store) writeDirect(req *types.WriteRequest) error {
	for _, series := range req.Series {
		if len(series.Points) == 0 {
			continue
		}

		seriesID, added := s.index.AddSeries(req.CollectionRef, series.Name, series.Metric)

		blocks := groupPointsByBlock(series.Points)
		for blockTime, points := range blocks {
			if err := s.mergeBlock(req.CollectionRef, seriesID, blockTime, points); err != nil {
				return fmt.Errorf("failed to write block: %w", err)
			}
		}

		minTime, maxTime := series.Points[0].Timestamp, series.Points[0].Timestamp
		for _, p := range series.Points {
			minTime = min(minTime, p.Timestamp)
			maxTime = max(maxTime, p.Timestamp)
		}
		widened, err := s.index.UpdateTimeRange(seriesID, minTime, maxTime)
		if err != nil {
			return err
		}
		if added || widened {
			if err := s.persistIndexEntry(seriesID); err != nil {
				return fmt.Errorf("failed to persist index entry: %w", err)
			}
		}
	}

	return nil
}

func (s *Store) persistIndexEntry(seriesID uint64) error {
	meta, ok := s.index.series[seriesID]
	if !ok {
		return fmt.Errorf("series %d not found", seriesID)
	}
	key := binary.BigEndian.AppendUint64(append([]byte{}, indexPrefix...), seriesID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encodeIndexEntry(meta))
	})
}

// groupPointsByBlock groups points into 1-hour blocks
func groupPointsByBlock(points []types.Point) map[int64][]types.Point {
	blocks := make(map[int64][]types.Point)
	for _, p := range points {
		blockTime := blockStart(p.Timestamp)
		blocks[blockTime] = append(blocks[blockTime], p)
	}
	return blocks
}

func blockStart(ts int64) int64 {
	start := ts - ts%blockDuration
	if ts < 0 && ts%blockDuration != 0 {
		start -= blockDuration
	}
	return start
}

type blockPayload struct {
	Count            int
	CompressedTS     []byte
	CompressedValues []byte
}

// mergeBlock merges points into the stored block. A point overwrites a
// stored point with the same timestamp.
func (s *Store) mergeBlock(collectionRef string, seriesID uint64, blockTime int64, points []types.Point) error {
	key := generateKey(collectionRef, seriesID, blockTime)

	return s.db.Update(func(txn *badger.Txn) error {
		merged := make(map[int64]*float64)

		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			existing, err := s.decodeBlock(item)
			if err != nil {
				return err
			}
			for _, p := range existing {
				merged[p.Timestamp] = p.Value
			}
		}

		for _, p := range points {
			merged[p.Timestamp] = p.Value
		}

		payload, err := s.encodeBlock(merged)
		if err != nil {
			return err
		}

		entry := badger.NewEntry(key, payload)
		if s.cfg.RetentionDays > 0 {
			entry = entry.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		}
		return txn.SetEntry(entry)
	})
}

func (s *Store) encodeBlock(points map[int64]*float64) ([]byte, error) {
	timestamps := make([]int64, 0, len(points))
	for ts := range points {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	values := make([]*float64, len(timestamps))
	for i, ts := range timestamps {
		values[i] = points[ts]
	}

	compressedTS, err := s.compressor.CompressTimestamps(timestamps)
	if err != nil {
		return nil, fmt.Errorf("failed to compress timestamps: %w", err)
	}
	compressedVals, err := s.compressor.CompressValues(values)
	if err != nil {
		return nil, fmt.Errorf("failed to compress values: %w", err)
	}

	payload, err := json.Marshal(&blockPayload{
		Count:            len(timestamps),
		CompressedTS:     compressedTS,
		CompressedValues: compressedVals,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payload, nil
}

// decodeBlock returns the points of a block in ascending timestamp order.
func (s *Store) decodeBlock(item *badger.Item) ([]types.Point, error) {
	var payload blockPayload
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	timestamps, err := s.compressor.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}
	values, err := s.compressor.DecompressValues(payload.CompressedValues, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress values: %w", err)
	}

	points := make([]types.Point, payload.Count)
	for i := range points {
		points[i] = types.Point{Timestamp: timestamps[i], Value: values[i]}
	}
	return points, nil
}

// Fetch implements Storage.Fetch. Points are returned newest first.
func (s *Store) Fetch(ctx context.Context, q *types.BatchedQuery) (types.BatchedResult, error) {
	_, span := s.tracer.Start(ctx, "Store.Fetch", trace.WithAttributes(
		attribute.String("collection_ref", q.CollectionRef),
		attribute.Int("window_limit", q.WindowLimit),
		attribute.Int("series_count", len(q.Layout)),
	))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	result := make(types.BatchedResult, len(q.Layout))
	err := s.db.View(func(txn *badger.Txn) error {
		for seriesName, metricNames := range q.Layout {
			for _, metricName := range metricNames {
				if err := ctx.Err(); err != nil {
					return err
				}

				seriesID, ok := s.index.Lookup(q.CollectionRef, seriesName, metricName)
				if !ok {
					continue
				}

				points, err := s.readNewest(txn, q.CollectionRef, seriesID, q.StartTimestamp, q.WindowLimit)
				if err != nil {
					return fmt.Errorf("failed to read %s/%s: %w", seriesName, metricName, err)
				}
				result.Set(seriesName, metricName, points)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return result, nil
}

// readNewest walks blocks backwards from the block holding start and
// collects up to limit points with timestamp <= start. A start older than
// anything ever written to the series skips the walk.
func (s *Store) readNewest(txn *badger.Txn, collectionRef string, seriesID uint64, start *int64, limit int) ([]types.Point, error) {
	points := make([]types.Point, 0, max(limit, 0))
	if limit <= 0 {
		return points, nil
	}
	if minTime, _, ok := s.index.TimeRange(seriesID); ok && start != nil && *start < minTime {
		return points, nil
	}

	prefix := seriesKeyPrefix(collectionRef, seriesID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seekKey := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	if start != nil {
		seekKey = generateKey(collectionRef, seriesID, blockStart(*start))
	}

	for it.Seek(seekKey); it.Valid() && len(points) < limit; it.Next() {
		block, err := s.decodeBlock(it.Item())
		if err != nil {
			return nil, err
		}
		for i := len(block) - 1; i >= 0 && len(points) < limit; i-- {
			if start != nil && block[i].Timestamp > *start {
				continue
			}
			points = append(points, block[i])
		}
	}

	return points, nil
}

// Layout implements Storage.Layout
func (s *Store) Layout(ctx context.Context, collectionRef string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.index.Layout(collectionRef), nil
}

// Size returns the on-disk size of the LSM tree and the value log.
func (s *Store) Size() (lsm, vlog int64) {
	return s.db.Size()
}

// Close implements Storage.Close
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeResources()
}

func (s *Store) closeResources() error {
	var errs []error
	if s.wal != nil {
		errs = append(errs, s.wal.Close())
	}
	if s.compressor != nil {
		s.compressor.Close()
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// seriesKeyPrefix returns the key prefix shared by all blocks of a series.
// The collection carries a uvarint length so references of any size never
// run into each other.
func seriesKeyPrefix(collectionRef string, seriesID uint64) []byte {
	key := make([]byte, 0, len(blockPrefix)+binary.MaxVarintLen64+len(collectionRef)+8)
	key = append(key, blockPrefix...)
	key = binary.AppendUvarint(key, uint64(len(collectionRef)))
	key = append(key, collectionRef...)
	return binary.BigEndian.AppendUint64(key, seriesID)
}

// generateKey generates a storage key for a time block. The block time is
// stored with its sign bit flipped so keys sort in time order.
func generateKey(collectionRef string, seriesID uint64, blockTime int64) []byte {
	key := seriesKeyPrefix(collectionRef, seriesID)
	return binary.BigEndian.AppendUint64(key, uint64(blockTime)^(1<<63))
}
