package elasticsearch

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/singleflight"
)

// cacheKey identifies one filter result against one segment generation.
type cacheKey struct {
	gen uint64
	sig uint64
}

type cacheEntry struct {
	key   cacheKey
	value *roaring.Bitmap
}

// QueryCache memoizes filter bitmaps keyed by (segment generation,
// filter signature). Entries hold matches computed without tombstones,
// so deletes need no invalidation, only segment replacement does.
// Evicts least recently used entries over a byte capacity.
type QueryCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[cacheKey]*list.Element
	evictList *list.List

	group  singleflight.Group
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewQueryCache creates an LRU cache bounded by capacity bytes.
func NewQueryCache(capacity int64, logger *slog.Logger) *QueryCache {
	return &QueryCache{
		capacity:  capacity,
		items:     make(map[cacheKey]*list.Element),
		evictList: list.New(),
		logger:    logger.With("component", "query_cache"),
	}
}

// Get returns the cached bitmap. Callers must not modify it.
func (c *QueryCache) Get(gen, sig uint64) (*roaring.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[cacheKey{gen, sig}]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*cacheEntry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// peek is Get without touching the hit and miss counters.
func (c *QueryCache) peek(gen, sig uint64) (*roaring.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[cacheKey{gen, sig}]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set caches a computed bitmap. Values bigger than the whole cache are
// not worth keeping and are silently skipped.
func (c *QueryCache) Set(gen, sig uint64, b *roaring.Bitmap) {
	size := int64(b.GetSizeInBytes())

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[cacheKey{gen, sig}]; ok {
		// the computation is deterministic per key, only refresh recency
		c.evictList.MoveToFront(ent)
		return
	}

	if size > c.capacity {
		return
	}

	for c.size+size > c.capacity {
		ent := c.evictList.Back()
		if ent == nil {
			break
		}
		c.removeElement(ent)
		c.evictions.Add(1)
	}

	element := c.evictList.PushFront(&cacheEntry{cacheKey{gen, sig}, b})
	c.items[cacheKey{gen, sig}] = element
	c.size += size
}

// GetOrCompute returns the cached bitmap or runs computeFn once,
// concurrent callers with the same signature and generation share a
// single computation. The second return reports a cache hit.
func (c *QueryCache) GetOrCompute(gen, sig uint64, computeFn func() (*roaring.Bitmap, error)) (*roaring.Bitmap, bool, error) {
	if b, ok := c.Get(gen, sig); ok {
		return b, true, nil
	}

	key := fmt.Sprintf("%d:%x", gen, sig)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// a racer may have stored the value while we waited for the lead
		if b, ok := c.peek(gen, sig); ok {
			return b, nil
		}
		b, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(gen, sig, b)
		c.logger.Debug("filter computed",
			"generation", gen, "signature", fmt.Sprintf("%016x", sig), "matches", b.GetCardinality())
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*roaring.Bitmap), false, nil
}

// Invalidate drops all entries built against generations before the
// current one. Runs on every segment set swap.
func (c *QueryCache) Invalidate(current uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if key.gen < current {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
	return len(toRemove)
}

// Stats reports hit, miss and eviction counts since start.
func (c *QueryCache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// Len is the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the current size of the cache in bytes.
func (c *QueryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *QueryCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	ent := e.Value.(*cacheEntry)
	delete(c.items, ent.key)
	c.size -= int64(ent.value.GetSizeInBytes())
}
