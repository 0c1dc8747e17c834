package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/blevesearch/vellum"
	go_iterators "github.com/lezhnev74/go-iterators"
	"golang.org/x/time/rate"
)

// Engine is the top level index: an analyzer feeding a memtable, a
// segment store behind it, a query cache in front and a merge loop in
// the background. Buffered docs become searchable on Flush.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	store   *Store
	mem     *memtable
	cache   *QueryCache
	sched   *MergeScheduler
	fstPool *Pool[*vellum.Builder]

	// indexM keeps doc id assignment and memtable insertion in one step,
	// postings lists rely on ascending doc ids
	indexM  sync.Mutex
	flushM  sync.Mutex
	nextDoc atomic.Uint32
	closed  atomic.Bool
}

// Stats is a point-in-time snapshot of the engine state.
type Stats struct {
	Docs           uint64 // searchable docs, tombstones excluded
	Buffered       uint64 // docs not yet flushed
	Deleted        uint64
	Segments       int
	SegmentsSize   int64
	Generation     uint64
	Merges         uint64
	CacheEntries   int
	CacheSize      int64
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64
}

// Open loads the index from cfg.Dir (creating it when missing) and
// starts the background merge loop. Call Close to flush and stop it.
func Open(cfg Config) (*Engine, error) {
	cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("open: dir is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	logger := newLogger(cfg.Logging)
	metrics := NewMetrics()
	cache := NewQueryCache(cfg.Cache.Capacity, logger)

	mockWriter := bytes.NewBuffer(nil)
	fstPool := NewPool(
		10*time.Second,
		func() *vellum.Builder {
			builder, _ := vellum.New(mockWriter, nil)
			return builder
		},
	)

	var throttle *rate.Limiter
	if cfg.Merge.WriteBytesPerSec > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.Merge.WriteBytesPerSec), cfg.Merge.WriteBytesPerSec)
	}

	store, err := OpenStore(cfg.Dir, fstPool, throttle, func(gen uint64) {
		cache.Invalidate(gen)
	})
	if err != nil {
		fstPool.Close()
		return nil, err
	}

	policy := &TieredMergePolicy{
		MinSegments: cfg.Merge.MinSegments,
		MaxSegments: cfg.Merge.MaxSegments,
		FloorSize:   cfg.Merge.FloorSize,
		Ratio:       cfg.Merge.Ratio,
	}
	sched := NewMergeScheduler(store, policy, time.Duration(cfg.Merge.Interval), cfg.Merge.Retry, logger)

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		mem:     newMemtable(),
		cache:   cache,
		sched:   sched,
		fstPool: fstPool,
	}

	// doc ids keep growing across restarts, a reused id could collide
	// with a tombstone that still covers it
	if docs := store.Docs(); !docs.IsEmpty() {
		e.nextDoc.Store(docs.Maximum())
	}
	if dead := store.Deleted(); !dead.IsEmpty() && dead.Maximum() > e.nextDoc.Load() {
		e.nextDoc.Store(dead.Maximum())
	}

	sched.onMerge = func(took time.Duration, merged int, err error) {
		e.metrics.OnMerge(took, merged, err)
		e.observeState()
	}
	sched.Start(context.Background())
	e.observeState()

	logger.Info("engine opened", "dir", cfg.Dir, "segments", store.Len(), "generation", store.Gen())
	return e, nil
}

// IndexDocument buffers the doc in memory and returns its assigned id.
// The doc becomes searchable after the next flush. When the buffered
// size crosses the configured threshold a flush is triggered inline,
// a failed one leaves the doc buffered for the next attempt.
func (e *Engine) IndexDocument(doc Document) (uint32, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	terms := analyze(doc)
	if len(terms) == 0 {
		return 0, fmt.Errorf("index: document has no terms")
	}

	e.indexM.Lock()
	id := e.nextDoc.Add(1)
	e.mem.add(terms, id)
	size := e.mem.sizeBytes()
	e.indexM.Unlock()
	e.metrics.DocsIndexedTotal.Inc()

	if size >= e.cfg.Memtable.FlushSize {
		if err := e.Flush(); err != nil {
			return id, fmt.Errorf("index: %w", err)
		}
	}
	return id, nil
}

// Flush writes the buffered docs out as one new segment and makes them
// searchable. A no-op when nothing is buffered.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.flush()
}

func (e *Engine) flush() error {
	e.flushM.Lock()
	defer e.flushM.Unlock()

	tps, ceiling := e.mem.snapshot()
	if len(tps) == 0 {
		return nil
	}

	start := time.Now()
	id, err := e.store.Write(go_iterators.NewSliceIterator(tps))
	e.metrics.OnFlush(time.Since(start), err)
	if err != nil {
		// the memtable still holds everything, the next flush retries
		return fmt.Errorf("flush: %w", err)
	}
	e.mem.forget(ceiling)

	e.logger.Info("memtable flushed", "segment", id, "terms", len(tps), "took", time.Since(start))
	e.sched.Kick()
	e.observeState()
	return nil
}

// Search returns the doc ids matching the filter, sorted ascending.
// Results come from the query cache when an identical filter ran on
// the same segment set before, tombstones are subtracted either way.
func (e *Engine) Search(ctx context.Context, f Filter) ([]uint32, error) {
	b, _, err := e.match(ctx, f)
	if err != nil {
		return nil, err
	}
	return b.ToArray(), nil
}

// Count reports how many docs match the filter.
func (e *Engine) Count(ctx context.Context, f Filter) (uint64, error) {
	b, _, err := e.match(ctx, f)
	if err != nil {
		return 0, err
	}
	return b.GetCardinality(), nil
}

func (e *Engine) match(ctx context.Context, f Filter) (*roaring.Bitmap, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	start := time.Now()
	gen := e.store.Gen()
	b, cached, err := e.cache.GetOrCompute(gen, f.Signature(), func() (*roaring.Bitmap, error) {
		return f.apply(ctx, e.store)
	})
	e.metrics.OnSearch(time.Since(start), cached, err)
	if err != nil {
		return nil, cached, fmt.Errorf("search: %w", err)
	}

	// cached bitmaps ignore deletes, subtract the current tombstones
	return roaring.AndNot(b, e.store.Deleted()), cached, nil
}

// Warm precomputes the filters into the query cache.
func (e *Engine) Warm(ctx context.Context, filters ...Filter) error {
	if e.closed.Load() {
		return ErrClosed
	}
	gen := e.store.Gen()
	for _, f := range filters {
		_, _, err := e.cache.GetOrCompute(gen, f.Signature(), func() (*roaring.Bitmap, error) {
			return f.apply(ctx, e.store)
		})
		if err != nil {
			return fmt.Errorf("warm: %w", err)
		}
	}
	return nil
}

// Delete removes the docs from all future query results. The space is
// reclaimed by later merges. Unknown ids are ignored, returns how many
// docs were actually deleted.
func (e *Engine) Delete(docs ...uint32) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if len(docs) == 0 {
		return 0, nil
	}

	// buffered docs must land in a segment before a tombstone can cover them
	if e.mem.contains(docs) {
		if err := e.flush(); err != nil {
			return 0, err
		}
	}

	n, err := e.store.Delete(docs)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	if n > 0 {
		e.metrics.DocsDeletedTotal.Add(float64(n))
		e.observeState()
	}
	return n, nil
}

// ForceMerge flushes and then merges until a single segment remains,
// waiting out merges already running in the background.
func (e *Engine) ForceMerge(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.flush(); err != nil {
		return err
	}

	for e.store.Len() > 1 {
		start := time.Now()
		var merged int
		err := Retry(ctx, e.logger, "force merge", e.cfg.Merge.Retry, func() error {
			// replan every attempt, the set changes under concurrent merges
			stats := e.store.Stats()
			if len(stats) < 2 {
				merged = 0
				return nil
			}
			ids := make([]uint64, len(stats))
			for i, s := range stats {
				ids[i] = s.ID
			}
			n, err := e.store.Merge(ctx, ids)
			merged = n
			if n > 0 && err != nil {
				e.logger.Warn("merged segment cleanup failed", "error", err)
				return nil
			}
			return err
		})
		e.metrics.OnMerge(time.Since(start), merged, err)
		if err != nil {
			return fmt.Errorf("force merge: %w", err)
		}
		e.observeState()
	}
	return nil
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	docs := e.store.Docs()
	dead := e.store.Deleted()
	var size int64
	segs := e.store.Stats()
	for _, s := range segs {
		size += s.Size
	}
	hits, misses, evictions := e.cache.Stats()

	return Stats{
		Docs:           docs.GetCardinality() - docs.AndCardinality(dead),
		Buffered:       e.mem.docCount(),
		Deleted:        dead.GetCardinality(),
		Segments:       len(segs),
		SegmentsSize:   size,
		Generation:     e.store.Gen(),
		Merges:         e.sched.Merges(),
		CacheEntries:   e.cache.Len(),
		CacheSize:      e.cache.Size(),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheEvictions: evictions,
	}
}

// MetricsHandler returns the Prometheus scrape handler of this engine.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// Close stops the merge loop, flushes buffered docs and releases the
// pooled builders. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.sched.Stop()
	err := e.flush()
	e.fstPool.Close()
	e.logger.Info("engine closed")
	return err
}

func (e *Engine) observeState() {
	e.metrics.Observe(e.Stats())
}
