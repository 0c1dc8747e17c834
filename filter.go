package elasticsearch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	go_iterators "github.com/lezhnev74/go-iterators"

	"github.com/Kirk-Koelzer/elasticsearch/segment"
)

// Filter is a cacheable query predicate. Equal filters produce equal
// signatures, so a result computed once serves every equivalent query
// against the same segment generation.
type Filter interface {
	// Signature is a stable hash of the filter's meaning.
	Signature() uint64

	// apply computes the matching doc ids, tombstones not applied.
	apply(ctx context.Context, st *Store) (*roaring.Bitmap, error)
}

// TermFilter matches docs containing the exact token in a field.
type TermFilter struct {
	Field string
	Value string
}

func (f TermFilter) Signature() uint64 {
	return xxhash.Sum64String("term\x00" + f.Field + "\x00" + normalizeToken(f.Value))
}

func (f TermFilter) apply(ctx context.Context, st *Store) (*roaring.Bitmap, error) {
	postings, err := st.Lookup(ctx, fieldTerm(f.Field, normalizeToken(f.Value)))
	if err != nil {
		return nil, err
	}
	b := roaring.New()
	b.AddMany(postings)
	return b, nil
}

// PrefixFilter matches docs with any token starting with the prefix.
type PrefixFilter struct {
	Field  string
	Prefix string
}

func (f PrefixFilter) Signature() uint64 {
	return xxhash.Sum64String("prefix\x00" + f.Field + "\x00" + normalizeToken(f.Prefix))
}

func (f PrefixFilter) apply(ctx context.Context, st *Store) (*roaring.Bitmap, error) {
	min := fieldTerm(f.Field, normalizeToken(f.Prefix))
	it, err := st.Read(min, nil)
	if err != nil {
		return nil, err
	}

	b := roaring.New()
	scanErr := scanWhile(ctx, it, func(tp segment.TermPostings) bool {
		if !bytes.HasPrefix(tp.Term, min) {
			return false
		}
		b.AddMany(tp.Postings)
		return true
	})
	if err := it.Close(); scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return b, nil
}

// RangeFilter matches docs with a token between From and To, both
// inclusive.
type RangeFilter struct {
	Field string
	From  string
	To    string
}

func (f RangeFilter) Signature() uint64 {
	return xxhash.Sum64String("range\x00" + f.Field + "\x00" + normalizeToken(f.From) + "\x00" + normalizeToken(f.To))
}

func (f RangeFilter) apply(ctx context.Context, st *Store) (*roaring.Bitmap, error) {
	min := fieldTerm(f.Field, normalizeToken(f.From))
	max := fieldTerm(f.Field, normalizeToken(f.To))
	it, err := st.Read(min, max)
	if err != nil {
		return nil, err
	}

	field := fieldPrefix(f.Field)
	b := roaring.New()
	scanErr := scanWhile(ctx, it, func(tp segment.TermPostings) bool {
		if bytes.HasPrefix(tp.Term, field) {
			b.AddMany(tp.Postings)
		}
		return true
	})
	if err := it.Close(); scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return b, nil
}

// BoolFilter combines clauses: a doc must match every Must filter, at
// least one Should filter (when any is given) and no MustNot filter.
type BoolFilter struct {
	Must    []Filter
	Should  []Filter
	MustNot []Filter
}

func (f BoolFilter) Signature() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString("bool")

	var buf [8]byte
	for _, clause := range []struct {
		name    string
		filters []Filter
	}{
		{"must", f.Must},
		{"should", f.Should},
		{"must_not", f.MustNot},
	} {
		_, _ = h.WriteString("\x00" + clause.name)

		// clause order must not matter
		sigs := make([]uint64, len(clause.filters))
		for i, child := range clause.filters {
			sigs[i] = child.Signature()
		}
		slices.Sort(sigs)

		for _, sig := range sigs {
			binary.LittleEndian.PutUint64(buf[:], sig)
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}

func (f BoolFilter) apply(ctx context.Context, st *Store) (*roaring.Bitmap, error) {
	var acc *roaring.Bitmap

	for _, child := range f.Must {
		b, err := child.apply(ctx, st)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = b
		} else {
			acc.And(b)
		}
		if acc.IsEmpty() {
			return acc, nil
		}
	}

	if len(f.Should) > 0 {
		any := roaring.New()
		for _, child := range f.Should {
			b, err := child.apply(ctx, st)
			if err != nil {
				return nil, err
			}
			any.Or(b)
		}
		if acc == nil {
			acc = any
		} else {
			acc.And(any)
		}
	}

	if acc == nil {
		// no positive clauses, start from every doc
		acc = st.Docs()
	}

	for _, child := range f.MustNot {
		b, err := child.apply(ctx, st)
		if err != nil {
			return nil, err
		}
		acc.AndNot(b)
	}

	return acc, nil
}

// MatchAllFilter matches every doc in the index.
type MatchAllFilter struct{}

func (MatchAllFilter) Signature() uint64 {
	return xxhash.Sum64String("match_all")
}

func (MatchAllFilter) apply(_ context.Context, st *Store) (*roaring.Bitmap, error) {
	return st.Docs(), nil
}

// scanWhile feeds terms to fn until it returns false, the stream ends
// or the context is cancelled.
func scanWhile(ctx context.Context, it go_iterators.Iterator[segment.TermPostings], fn func(segment.TermPostings) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tp, err := it.Next()
		if errors.Is(err, go_iterators.EmptyIterator) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(tp) {
			return nil
		}
	}
}
