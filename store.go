package elasticsearch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/blevesearch/vellum"
	go_iterators "github.com/lezhnev74/go-iterators"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Kirk-Koelzer/elasticsearch/segment"
)

// Store manages the set of immutable segments in one directory.
// Reads pin segments while they stream from disk, writes publish new
// segments, merges replace a few small segments with one big one.
// It is not aware of unflushed in-memory documents.
type Store struct {
	dir string

	current atomic.Pointer[snapshot]
	// commitM serializes snapshot replacement, readers never take it
	commitM sync.Mutex

	// deleted is the directory-wide tombstone bitmap, replaced wholesale
	// on every update so readers never see a half-applied delete
	deleted atomic.Pointer[roaring.Bitmap]
	deleteM sync.Mutex

	nextID   atomic.Uint64
	fstPool  *Pool[*vellum.Builder]
	throttle *rate.Limiter

	// onSwap runs after every snapshot replacement with the new generation
	onSwap func(gen uint64)
}

// OpenStore loads all published segments from the directory and sweeps
// leftovers of interrupted writes.
func OpenStore(dir string, fstPool *Pool[*vellum.Builder], throttle *rate.Limiter, onSwap func(gen uint64)) (*Store, error) {
	if err := segment.RemoveTemp(dir); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ids, err := segment.List(dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	st := &Store{
		dir:      dir,
		fstPool:  fstPool,
		throttle: throttle,
		onSwap:   onSwap,
	}

	segments := make([]*Segment, 0, len(ids))
	for _, id := range ids {
		info, err := segment.Stat(dir, id)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s, err := st.load(info)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		segments = append(segments, s)
	}

	deleted, err := segment.ReadTombstones(dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if len(ids) > 0 {
		st.nextID.Store(ids[len(ids)-1])
	}
	st.current.Store(newSnapshot(1, segments))
	st.deleted.Store(deleted)

	return st, nil
}

// load builds the in-memory segment handle from published files.
func (st *Store) load(info segment.Info) (*Segment, error) {
	size, err := segment.Size(st.dir, info.ID)
	if err != nil {
		return nil, err
	}
	return newSegment(info.ID, size, info.Terms, info.MinTerm, info.MaxTerm, info.Docs), nil
}

// Gen reports the current generation of the segment set. It changes
// whenever a segment is published or replaced, never on deletes.
func (st *Store) Gen() uint64 { return st.current.Load().gen }

// Len is the number of live segments.
func (st *Store) Len() int { return len(st.current.Load().segments) }

// Deleted returns the current tombstone bitmap. Callers must not
// modify it.
func (st *Store) Deleted() *roaring.Bitmap { return st.deleted.Load() }

// Docs returns the union of doc ids across all segments, tombstones
// not applied.
func (st *Store) Docs() *roaring.Bitmap {
	snap := st.current.Load()
	u := roaring.New()
	for _, s := range snap.segments {
		u.Or(s.docs)
	}
	return u
}

// Stats reports one row per segment, smallest first.
func (st *Store) Stats() []SegmentStat {
	snap := st.current.Load()
	dead := st.deleted.Load()

	stats := make([]SegmentStat, len(snap.segments))
	for i, s := range snap.segments {
		stats[i] = SegmentStat{
			ID:       s.id,
			Size:     s.size,
			Docs:     s.docs.GetCardinality(),
			LiveDocs: s.liveDocs(dead),
		}
	}
	return stats
}

// MinMax returns the smallest and the largest term across all segments,
// nil when the index is empty.
func (st *Store) MinMax() (min, max []byte) {
	snap := st.current.Load()
	for _, s := range snap.segments {
		if min == nil || bytes.Compare(min, s.minTerm) > 0 {
			min = s.minTerm
		}
		if max == nil || bytes.Compare(max, s.maxTerm) < 0 {
			max = s.maxTerm
		}
	}
	return
}

// Write drains the iterator into a brand new segment and makes it
// visible to readers. Terms must arrive in ascending order. An empty
// iterator publishes nothing and returns id 0.
func (st *Store) Write(tps go_iterators.Iterator[segment.TermPostings]) (uint64, error) {
	w, err := segment.NewWriter(st.dir, st.nextID.Add(1), st.fstPool.Get())
	if err != nil {
		return 0, fmt.Errorf("store: write: %w", err)
	}

	for {
		tp, err := tps.Next()
		if errors.Is(err, go_iterators.EmptyIterator) {
			break
		} else if err == nil {
			err = w.Append(tp)
		}
		if err != nil {
			_ = w.Discard()
			st.fstPool.Put(w.Builder())
			return 0, fmt.Errorf("store: write: %w", err)
		}
	}

	if w.Info().Terms == 0 {
		_ = w.Discard()
		st.fstPool.Put(w.Builder())
		return 0, nil
	}

	if err = w.Close(); err != nil {
		return 0, fmt.Errorf("store: write: %w", err)
	}
	st.fstPool.Put(w.Builder())

	s, err := st.load(w.Info())
	if err != nil {
		return 0, fmt.Errorf("store: write: %w", err)
	}
	st.commit([]*Segment{s}, nil)

	return w.ID(), nil
}

// Lookup returns the doc ids of a single term across all segments,
// sorted ascending. Tombstones are not applied. A term missing from a
// segment is not an error, segments are consulted concurrently.
func (st *Store) Lookup(ctx context.Context, term []byte) ([]uint32, error) {
	_, pinned := st.pinCurrent()
	defer releaseAll(pinned)

	found := make([]*roaring.Bitmap, len(pinned))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range pinned {
		i, s := i, s
		// segments keep their term range in memory, skip non-overlapping ones
		if bytes.Compare(term, s.minTerm) < 0 || bytes.Compare(term, s.maxTerm) > 0 {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := segment.NewReader(st.dir, s.id, nil, nil)
			if err != nil {
				return err
			}
			postings, err := r.Lookup(term)
			if err != nil && !errors.Is(err, segment.ErrTermNotFound) {
				_ = r.Close()
				return err
			}
			if len(postings) > 0 {
				b := roaring.New()
				b.AddMany(postings)
				found[i] = b
			}
			return r.Close()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("store: lookup: %w", err)
	}

	union := roaring.New()
	for _, b := range found {
		if b != nil {
			union.Or(b)
		}
	}
	return union.ToArray(), nil
}

// Read returns a merging iterator over all segments for terms in
// [min, max] (inclusive). Tombstones are not applied. The iterator must
// be closed to release the pinned segments for merging.
func (st *Store) Read(min, max []byte) (go_iterators.Iterator[segment.TermPostings], error) {
	_, pinned := st.pinCurrent()
	return st.makeIterator(pinned, min, max)
}

// Delete tombstones the docs: they disappear from query results right
// away and are physically dropped by subsequent merges. Unknown doc ids
// are ignored. Reports how many docs were newly tombstoned.
func (st *Store) Delete(docs []uint32) (uint64, error) {
	st.deleteM.Lock()
	defer st.deleteM.Unlock()

	add := roaring.BitmapOf(docs...)
	add.And(st.Docs())
	old := st.deleted.Load()
	add.AndNot(old)
	if add.IsEmpty() {
		return 0, nil
	}

	next := roaring.Or(old, add)
	if err := segment.WriteTombstones(st.dir, next); err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	st.deleted.Store(next)

	return add.GetCardinality(), nil
}

// Merge combines the given segments into one new segment, drops
// tombstoned docs on the way and atomically swaps the result into the
// visible set. Returns how many segments were merged together.
// Thread-safe: overlapping merges claim their segments first, the loser
// gets ErrMergeBusy.
func (st *Store) Merge(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) < 2 {
		return 0, nil
	}

	snap := st.current.Load()

	// Claim all requested segments or none: a partial merge would not
	// produce what the caller planned.
	claimed := make([]*Segment, 0, len(ids))
	for _, id := range ids {
		s := snap.byID(id)
		if s == nil || !s.merging.CompareAndSwap(false, true) {
			unclaim(claimed)
			return 0, fmt.Errorf("store: merge segment %d: %w", id, ErrMergeBusy)
		}
		claimed = append(claimed, s)
	}

	// The claim protects from concurrent retirement, the read locks keep
	// the files on disk while the merge streams them.
	for _, s := range claimed {
		s.m.RLock()
	}

	merged, err := st.mergeClaimed(ctx, claimed)
	if err != nil {
		unclaim(claimed)
		return 0, fmt.Errorf("store: merge: %w", err)
	}

	// Swap: new readers see the merged segment only, the old ones finish
	// on the retired segments and release them.
	var add []*Segment
	if merged != nil {
		add = append(add, merged)
	}
	st.commit(add, claimed)

	for _, s := range claimed {
		s.retire()
		if err1 := segment.Remove(st.dir, s.id); err1 != nil {
			err = err1 // report the last error
		}
	}

	// prune only after the input files are gone: a crash in between must
	// find the tombstones still covering whatever files it finds
	if err1 := st.pruneTombstones(); err == nil {
		err = err1
	}

	return len(claimed), err
}

// mergeClaimed streams the claimed segments into a new one. It returns
// nil without an error when every doc turned out tombstoned. The read
// locks of the claimed segments are released here in any outcome.
func (st *Store) mergeClaimed(ctx context.Context, claimed []*Segment) (*Segment, error) {
	dead := st.deleted.Load()

	it, err := st.makeIterator(claimed, nil, nil)
	if err != nil {
		return nil, err
	}

	w, err := segment.NewWriter(st.dir, st.nextID.Add(1), st.fstPool.Get())
	if err != nil {
		_ = it.Close()
		return nil, err
	}
	w.Throttle(ctx, st.throttle)

	var loopErr error
	for {
		if loopErr = ctx.Err(); loopErr != nil {
			break
		}

		tp, err := it.Next()
		if errors.Is(err, go_iterators.EmptyIterator) {
			break
		}
		if err != nil {
			loopErr = err
			break
		}

		// drop tombstoned docs, then terms with no docs left
		i := 0
		for _, v := range tp.Postings {
			if dead.Contains(v) {
				continue
			}
			tp.Postings[i] = v
			i++
		}
		tp.Postings = tp.Postings[:i]
		if len(tp.Postings) == 0 {
			continue
		}

		if loopErr = w.Append(tp); loopErr != nil {
			break
		}
	}

	if err := it.Close(); loopErr == nil {
		loopErr = err
	}
	if loopErr != nil {
		_ = w.Discard()
		st.fstPool.Put(w.Builder())
		return nil, loopErr
	}

	if w.Info().Terms == 0 {
		// everything was tombstoned, nothing to publish
		_ = w.Discard()
		st.fstPool.Put(w.Builder())
		return nil, nil
	}

	if err = w.Close(); err != nil {
		return nil, err
	}
	st.fstPool.Put(w.Builder())

	merged, err := st.load(w.Info())
	if err != nil {
		_ = segment.Remove(st.dir, w.ID())
		return nil, err
	}

	// Each live doc of the inputs must carry over exactly once.
	live := roaring.New()
	for _, s := range claimed {
		live.Or(s.docs)
	}
	live.AndNot(dead)
	if !live.Equals(merged.docs) {
		_ = segment.Remove(st.dir, w.ID())
		return nil, fmt.Errorf("doc count mismatch: %d in, %d out",
			live.GetCardinality(), merged.docs.GetCardinality())
	}

	return merged, nil
}

// pinCurrent pins every segment of the freshest snapshot. The caller
// must release all pins when done.
func (st *Store) pinCurrent() (*snapshot, []*Segment) {
	for {
		snap := st.current.Load()
		if pinned, ok := snap.pinAll(); ok {
			return snap, pinned
		}
	}
}

// makeIterator combines per-segment readers into one sorted stream.
// From here on the pins are owned by the iterator and released on its
// Close, or right away on error.
func (st *Store) makeIterator(pinned []*Segment, min, max []byte) (go_iterators.Iterator[segment.TermPostings], error) {
	readers := make([]go_iterators.Iterator[segment.TermPostings], 0, len(pinned))

	for _, s := range pinned {
		// skip segments that cannot contain terms from the requested range
		if min != nil && bytes.Compare(s.maxTerm, min) < 0 {
			continue
		}
		if max != nil && bytes.Compare(s.minTerm, max) > 0 {
			continue
		}
		r, err := segment.NewReader(st.dir, s.id, min, max)
		if err != nil {
			for _, r2 := range readers {
				_ = r2.Close()
			}
			releaseAll(pinned)
			return nil, fmt.Errorf("store: read: %w", err)
		}
		readers = append(readers, r)
	}

	it := go_iterators.NewMergingIterator(readers, segment.CompareTermPostings, segment.MergeTermPostings)
	cit := go_iterators.NewClosingIterator[segment.TermPostings](it, func(err error) error {
		err2 := it.Close()
		releaseAll(pinned)
		if err2 != nil {
			err = err2
		}
		return err
	})

	return cit, nil
}

// commit installs a new snapshot with a bumped generation.
func (st *Store) commit(add, remove []*Segment) *snapshot {
	st.commitM.Lock()
	next := st.current.Load().next(add, remove)
	st.current.Store(next)
	st.commitM.Unlock()

	if st.onSwap != nil {
		st.onSwap(next.gen)
	}
	return next
}

// pruneTombstones drops tombstones whose docs are gone from every
// segment. It runs after each merge swap.
func (st *Store) pruneTombstones() error {
	st.deleteM.Lock()
	defer st.deleteM.Unlock()

	old := st.deleted.Load()
	if old.IsEmpty() {
		return nil
	}
	next := roaring.And(old, st.Docs())
	if next.GetCardinality() == old.GetCardinality() {
		return nil
	}
	if err := segment.WriteTombstones(st.dir, next); err != nil {
		return fmt.Errorf("store: prune tombstones: %w", err)
	}
	st.deleted.Store(next)
	return nil
}
