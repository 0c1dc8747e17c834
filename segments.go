package elasticsearch

import (
	"cmp"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
)

// Segment represents a single immutable index segment (multiple files on
// disk). The files never change after publishing, so the only mutable
// parts live here: the merge claim and the retired flag.
type Segment struct {
	id               uint64
	size             int64
	terms            int
	minTerm, maxTerm []byte
	docs             *roaring.Bitmap

	m       sync.RWMutex
	merging atomic.Bool
	retired atomic.Bool
}

func newSegment(id uint64, size int64, terms int, minTerm, maxTerm []byte, docs *roaring.Bitmap) *Segment {
	return &Segment{
		id:      id,
		size:    size,
		terms:   terms,
		minTerm: minTerm,
		maxTerm: maxTerm,
		docs:    docs,
	}
}

func (s *Segment) ID() uint64 { return s.id }

// liveDocs is the segment's doc count minus its share of the tombstones.
func (s *Segment) liveDocs(dead *roaring.Bitmap) uint64 {
	return s.docs.GetCardinality() - s.docs.AndCardinality(dead)
}

// pin takes a read lock or reports that the segment has been retired by
// a merge. A pinned segment's files stay on disk until release.
func (s *Segment) pin() bool {
	s.m.RLock()
	if s.retired.Load() {
		s.m.RUnlock()
		return false
	}
	return true
}

func (s *Segment) release() {
	s.m.RUnlock()
}

// retire makes the segment invisible to new readers and waits out the
// current ones. After it returns the files can be removed: late readers
// holding a stale snapshot see the retired flag and retry, they never
// touch the files.
func (s *Segment) retire() {
	s.retired.Store(true)

	// reads are short and merge claims do not overlap, so the spin is brief
	for !s.m.TryLock() {
		runtime.Gosched()
	}
	s.m.Unlock()
}

func unclaim(segments []*Segment) {
	for _, s := range segments {
		s.merging.Store(false)
	}
}

// snapshot is one immutable generation of the segment set. Commits
// install a fresh snapshot with a bumped generation; readers work with
// whatever snapshot they loaded without further coordination.
type snapshot struct {
	segments []*Segment // sorted by size, smallest first
	gen      uint64
}

func newSnapshot(gen uint64, segments []*Segment) *snapshot {
	slices.SortFunc(segments, func(a, b *Segment) int { return cmp.Compare(a.size, b.size) })
	return &snapshot{segments: segments, gen: gen}
}

// next derives a follow-up snapshot with some segments replaced.
func (sn *snapshot) next(add []*Segment, remove []*Segment) *snapshot {
	segments := make([]*Segment, 0, len(sn.segments)+len(add))
	for _, s := range sn.segments {
		if !slices.Contains(remove, s) {
			segments = append(segments, s)
		}
	}
	segments = append(segments, add...)
	return newSnapshot(sn.gen+1, segments)
}

func (sn *snapshot) byID(id uint64) *Segment {
	for _, s := range sn.segments {
		if s.id == id {
			return s
		}
	}
	return nil
}

// pinAll pins every segment in the snapshot, in order. If any segment
// was retired meanwhile the acquired pins are dropped and the caller
// must retry with a fresh snapshot.
func (sn *snapshot) pinAll() ([]*Segment, bool) {
	pinned := make([]*Segment, 0, len(sn.segments))
	for _, s := range sn.segments {
		if !s.pin() {
			releaseAll(pinned)
			return nil, false
		}
		pinned = append(pinned, s)
	}
	return pinned, true
}

func releaseAll(segments []*Segment) {
	for _, s := range segments {
		s.release()
	}
}
