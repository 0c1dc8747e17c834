package elasticsearch

import (
	"bytes"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/Kirk-Koelzer/elasticsearch/segment"
)

// memtable buffers term postings of recently indexed docs until a
// flush turns them into an on-disk segment.
type memtable struct {
	m     sync.RWMutex
	terms map[string][]uint32
	docs  *roaring.Bitmap
	size  int64
}

func newMemtable() *memtable {
	return &memtable{
		terms: make(map[string][]uint32),
		docs:  roaring.New(),
	}
}

// add indexes one doc under all its terms. Doc ids must arrive in
// ascending order so every postings list stays sorted.
func (mt *memtable) add(terms [][]byte, doc uint32) {
	mt.m.Lock()
	defer mt.m.Unlock()

	for _, term := range terms {
		key := string(term)
		if len(mt.terms[key]) == 0 {
			mt.size += int64(len(key))
		}
		mt.terms[key] = append(mt.terms[key], doc)
		mt.size += 4
	}
	mt.docs.Add(doc)
}

func (mt *memtable) docCount() uint64 {
	mt.m.RLock()
	defer mt.m.RUnlock()
	return mt.docs.GetCardinality()
}

// contains reports whether any of the docs is still buffered.
func (mt *memtable) contains(docs []uint32) bool {
	mt.m.RLock()
	defer mt.m.RUnlock()
	for _, d := range docs {
		if mt.docs.Contains(d) {
			return true
		}
	}
	return false
}

// sizeBytes is a rough estimate of the buffered postings footprint,
// used to decide when to flush.
func (mt *memtable) sizeBytes() int64 {
	mt.m.RLock()
	defer mt.m.RUnlock()
	return mt.size
}

// snapshot copies the buffered postings as a sorted slice plus the
// highest buffered doc id. The memtable itself stays untouched, the
// caller passes the ceiling to forget once the data is safely on disk.
func (mt *memtable) snapshot() ([]segment.TermPostings, uint32) {
	mt.m.RLock()
	defer mt.m.RUnlock()

	if mt.docs.IsEmpty() {
		return nil, 0
	}
	tps := make([]segment.TermPostings, 0, len(mt.terms))
	for term, postings := range mt.terms {
		tps = append(tps, segment.TermPostings{Term: []byte(term), Postings: slices.Clone(postings)})
	}
	slices.SortFunc(tps, func(a, b segment.TermPostings) int { return bytes.Compare(a.Term, b.Term) })

	return tps, mt.docs.Maximum()
}

// forget drops every posting up to and including the ceiling doc id.
// Docs indexed after the snapshot stay buffered.
func (mt *memtable) forget(ceiling uint32) {
	mt.m.Lock()
	defer mt.m.Unlock()

	for term, postings := range mt.terms {
		// postings are sorted, cut right after the ceiling
		i, found := slices.BinarySearch(postings, ceiling)
		if found {
			i++
		}
		if i == 0 {
			continue
		}
		mt.size -= int64(4 * i)
		if i == len(postings) {
			mt.size -= int64(len(term))
			delete(mt.terms, term)
			continue
		}
		mt.terms[term] = postings[i:]
	}
	mt.docs.RemoveRange(0, uint64(ceiling)+1)
}
