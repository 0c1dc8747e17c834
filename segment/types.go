// Package segment implements the on-disk format of one immutable index
// segment: a terms file (vellum FST mapping term -> postings offset), a
// postings file (length-prefixed compressed doc id runs) and a docs bitmap.
package segment

import (
	"bytes"
	"errors"
	"slices"
)

// ErrTermNotFound is returned by Reader.Lookup when the term is absent
// from the segment's dictionary.
var ErrTermNotFound = errors.New("term not found")

// TermPostings contains the postings (sorted doc ids) for one term.
type TermPostings struct {
	Term     []byte
	Postings []uint32
}

func CompareTermPostings(a, b TermPostings) int {
	return bytes.Compare(a.Term, b.Term)
}

// MergeTermPostings combines postings of the same term coming from two
// segments. The result remains sorted and unique.
func MergeTermPostings(a, b TermPostings) TermPostings {
	merged := TermPostings{
		Term:     append([]byte{}, a.Term...),
		Postings: append(append([]uint32{}, a.Postings...), b.Postings...),
	}
	slices.Sort(merged.Postings)
	merged.Postings = slices.Compact(merged.Postings)
	return merged
}
