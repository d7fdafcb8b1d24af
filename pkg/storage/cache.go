package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/vjranagit/tsbatch/pkg/types"
)

// QueryCache is an LRU cache of batched query results with a TTL.
type QueryCache struct {
	capacity int
	lru      *expirable.LRU[uint64, types.BatchedResult]
}

// NewQueryCache creates a new query cache
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		lru:      expirable.NewLRU[uint64, types.BatchedResult](capacity, nil, ttl),
	}
}

// Get retrieves a cached result
func (qc *QueryCache) Get(q *types.BatchedQuery) (types.BatchedResult, bool) {
	return qc.lru.Get(queryKey(q))
}

// Put stores a result in the cache
func (qc *QueryCache) Put(q *types.BatchedQuery, result types.BatchedResult) {
	qc.lru.Add(queryKey(q), result)
}

// Clear clears all cache entries
func (qc *QueryCache) Clear() {
	qc.lru.Purge()
}

// Size returns the current cache size
func (qc *QueryCache) Size() int {
	return qc.lru.Len()
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// HitRate returns the cache hit rate as a percentage
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

// queryKey hashes a canonical form of the query. Metric names are sorted so
// the order in which they were requested does not matter.
func queryKey(q *types.BatchedQuery) uint64 {
	layout := make(map[string][]string, len(q.Layout))
	for series, metrics := range q.Layout {
		sorted := append([]string(nil), metrics...)
		sort.Strings(sorted)
		layout[series] = sorted
	}

	// Map keys are marshaled in sorted order.
	data, _ := json.Marshal(&types.BatchedQuery{
		CollectionRef:  q.CollectionRef,
		Layout:         layout,
		StartTimestamp: q.StartTimestamp,
		WindowLimit:    q.WindowLimit,
	})
	return xxhash.Sum64(data)
}

// CachedStore wraps a storage with result caching. Identical fetches which
// are in flight at the same time share a single storage read.
type CachedStore struct {
	storage Storage
	cache   *QueryCache
	group   singleflight.Group

	// generation is bumped once every write has completed so fetches which
	// started before that do not repopulate the cache with stale data. mu
	// makes the bump-and-purge atomic with respect to the check-and-put.
	mu         sync.Mutex
	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewCachedStore creates a cached storage wrapper
func NewCachedStore(storage Storage, cacheCapacity int, cacheTTL time.Duration) *CachedStore {
	return &CachedStore{
		storage: storage,
		cache:   NewQueryCache(cacheCapacity, cacheTTL),
	}
}

// Write passes through to the underlying storage and invalidates the cache
// once the write has returned. A failed write may still have stored part of
// the request, so it invalidates too.
func (cs *CachedStore) Write(ctx context.Context, req *types.WriteRequest) error {
	err := cs.storage.Write(ctx, req)

	cs.mu.Lock()
	cs.generation.Add(1)
	cs.cache.Clear()
	cs.mu.Unlock()

	return err
}

func (cs *CachedStore) putIfCurrent(q *types.BatchedQuery, result types.BatchedResult, gen uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.generation.Load() == gen {
		cs.cache.Put(q, result)
	}
}

// Fetch checks the cache before querying storage. The shared storage read
// is detached from the caller's cancellation so one caller going away does
// not fail the others waiting on it; the caller itself still returns as
// soon as ctx is done.
func (cs *CachedStore) Fetch(ctx context.Context, q *types.BatchedQuery) (types.BatchedResult, error) {
	if result, ok := cs.cache.Get(q); ok {
		cs.hits.Add(1)
		return result, nil
	}
	cs.misses.Add(1)

	gen := cs.generation.Load()
	key := strconv.FormatUint(queryKey(q), 16) + "/" + strconv.FormatUint(gen, 10)
	shared := context.WithoutCancel(ctx)
	ch := cs.group.DoChan(key, func() (interface{}, error) {
		result, err := cs.storage.Fetch(shared, q)
		if err != nil {
			return nil, err
		}
		cs.putIfCurrent(q, result, gen)
		return result, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(types.BatchedResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Layout passes through to the underlying storage.
func (cs *CachedStore) Layout(ctx context.Context, collectionRef string) (map[string][]string, error) {
	return cs.storage.Layout(ctx, collectionRef)
}

// Close closes the underlying storage
func (cs *CachedStore) Close() error {
	cs.cache.Clear()
	return cs.storage.Close()
}

// CacheStats returns cache statistics
func (cs *CachedStore) CacheStats() CacheStats {
	return CacheStats{
		Size:     cs.cache.Size(),
		Capacity: cs.cache.capacity,
		Hits:     cs.hits.Load(),
		Misses:   cs.misses.Load(),
	}
}
