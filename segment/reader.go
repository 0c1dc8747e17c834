package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"

	"github.com/blevesearch/vellum"
	go_iterators "github.com/lezhnev74/go-iterators"
	"github.com/ronanh/intcomp"
	"golang.org/x/exp/mmap"
)

// Reader reads terms and their postings from one segment's files.
// It implements Iterator and can be combined with other iterators for
// efficient merging, and also supports point lookups via the FST.
type Reader struct {
	fst      *vellum.FST
	postings *mmap.ReaderAt

	// sequential state, initialized on the first Next call
	started     bool
	fstIterator *vellum.FSTIterator
	fstErr      error
	minTerm     []byte
	maxTerm     []byte // right boundary, INCLUSIVE
}

// NewReader opens the segment's files and iterates terms within
// min, max (both inclusive). Nil bounds mean unbounded.
func NewReader(dir string, id uint64, min, max []byte) (*Reader, error) {
	fst, err := vellum.Open(path.Join(dir, filename(id, extTerms)))
	if err != nil {
		return nil, fmt.Errorf("reader: terms file: %w", err)
	}

	postings, err := mmap.Open(path.Join(dir, filename(id, extPostings)))
	if err != nil {
		return nil, fmt.Errorf("reader: postings file: %w", err)
	}

	return &Reader{
		fst:      fst,
		postings: postings,
		minTerm:  min,
		maxTerm:  max,
	}, nil
}

// Lookup returns the postings of a single term, or ErrTermNotFound.
func (r *Reader) Lookup(term []byte) ([]uint32, error) {
	offset, ok, err := r.fst.Get(term)
	if err != nil {
		return nil, fmt.Errorf("reader: fst: %w", err)
	}
	if !ok {
		return nil, ErrTermNotFound
	}
	return r.readRun(int64(offset))
}

func (r *Reader) Next() (TermPostings, error) {
	// FST contains offsets into the postings file. Each offset points at
	// a length-prefixed compressed run, so a term is read out without
	// consulting its neighbours.

	if !r.started {
		r.started = true
		r.fstIterator, r.fstErr = r.fst.Iterator(r.minTerm, nil)
	}

	if errors.Is(r.fstErr, vellum.ErrIteratorDone) {
		return TermPostings{}, go_iterators.EmptyIterator
	}
	if r.fstErr != nil {
		return TermPostings{}, fmt.Errorf("reader: fst iterator: %w", r.fstErr)
	}

	term, offset := r.fstIterator.Current()

	// the FST iterator's own right bound is exclusive, bound manually
	if r.maxTerm != nil && bytes.Compare(term, r.maxTerm) > 0 {
		r.fstErr = vellum.ErrIteratorDone
		return TermPostings{}, go_iterators.EmptyIterator
	}

	tp := TermPostings{Term: append([]byte{}, term...)} // copy from FST internal buffer

	postings, err := r.readRun(int64(offset))
	if err != nil {
		return TermPostings{}, err
	}
	tp.Postings = postings

	r.fstErr = r.fstIterator.Next()

	return tp, nil
}

func (r *Reader) readRun(offset int64) ([]uint32, error) {
	var head [runHeaderSize]byte
	if _, err := r.postings.ReadAt(head[:], offset); err != nil {
		return nil, fmt.Errorf("reader: postings file: %w", err)
	}
	runSize := binary.LittleEndian.Uint32(head[:])

	buf := make([]byte, runSize)
	if _, err := r.postings.ReadAt(buf, offset+runHeaderSize); err != nil {
		return nil, fmt.Errorf("reader: postings file: %w", err)
	}

	compressed := make([]uint32, runSize/4)
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, compressed)
	if err != nil {
		return nil, fmt.Errorf("reader: postings file: decompress: %w", err)
	}

	return intcomp.UncompressUint32(compressed, nil), nil
}

func (r *Reader) Close() error {
	var err0 error
	if r.fstIterator != nil {
		err0 = r.fstIterator.Close()
	}
	err1 := r.fst.Close()
	err2 := r.postings.Close()

	if err0 != nil && !errors.Is(err0, vellum.ErrIteratorDone) {
		return err0
	}
	if err1 != nil {
		return err1
	}
	return err2
}
