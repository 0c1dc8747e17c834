package segment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/RoaringBitmap/roaring"
	"github.com/blevesearch/vellum"
	"github.com/ronanh/intcomp"
	"golang.org/x/time/rate"
)

// Writer accepts terms with their postings and streams them into a new
// segment's files. Terms must be appended in ascending order (the FST
// builder rejects unsorted input). Files are written under temporary
// names and become visible atomically on Close, the terms file last.
type Writer struct {
	dir string
	id  uint64

	termsFile *os.File
	fst       *vellum.Builder

	postingsFile *os.File
	postingsW    io.Writer
	// offset is the position in the postings file where the next
	// compressed run goes; it is the value stored in the FST.
	offset uint64

	docs             *roaring.Bitmap
	terms            int
	minTerm, maxTerm []byte
}

// NewWriter creates a segment writer for the given id. A recycled FST
// builder may be passed in, otherwise a fresh one is created.
func NewWriter(dir string, id uint64, fst *vellum.Builder) (*Writer, error) {
	termsFile, err := os.Create(path.Join(dir, filename(id, extTerms)+tmpSuffix))
	if err != nil {
		return nil, fmt.Errorf("writer: terms file: %w", err)
	}

	if fst == nil {
		fst, err = vellum.New(termsFile, nil)
	} else {
		err = fst.Reset(termsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("writer: fst: %w", err)
	}

	postingsFile, err := os.Create(path.Join(dir, filename(id, extPostings)+tmpSuffix))
	if err != nil {
		return nil, fmt.Errorf("writer: postings file: %w", err)
	}

	return &Writer{
		dir:          dir,
		id:           id,
		termsFile:    termsFile,
		fst:          fst,
		postingsFile: postingsFile,
		postingsW:    postingsFile,
		docs:         roaring.New(),
	}, nil
}

// Throttle caps postings writes at the limiter's rate. Used by background
// merges so they do not starve search reads.
func (w *Writer) Throttle(ctx context.Context, limiter *rate.Limiter) {
	if limiter == nil {
		return
	}
	w.postingsW = &throttledWriter{ctx: ctx, w: w.postingsFile, limiter: limiter}
}

// Append writes one term's postings out immediately.
// Postings must be sorted in ascending order.
func (w *Writer) Append(tp TermPostings) error {
	err := w.fst.Insert(tp.Term, w.offset)
	if err != nil {
		return fmt.Errorf("writer: fst insert: %w", err)
	}

	compressed := intcomp.CompressUint32(tp.Postings, nil)

	// Each run is prefixed with its byte length so readers can fetch a
	// single term without consulting the neighbouring FST entries.
	var head [runHeaderSize]byte
	binary.LittleEndian.PutUint32(head[:], uint32(len(compressed)*4))
	if _, err = w.postingsW.Write(head[:]); err != nil {
		return fmt.Errorf("writer: postings: %w", err)
	}
	if err = binary.Write(w.postingsW, binary.LittleEndian, compressed); err != nil {
		return fmt.Errorf("writer: postings: %w", err)
	}
	w.offset += uint64(runHeaderSize + len(compressed)*4)

	if w.minTerm == nil {
		w.minTerm = append([]byte{}, tp.Term...)
	}
	w.maxTerm = append(w.maxTerm[:0], tp.Term...)
	w.terms++
	w.docs.AddMany(tp.Postings)

	return nil
}

// Close finalizes all files and renames them to their visible names.
// The terms file is renamed last: a segment becomes discoverable only
// once its sidecars are in place.
func (w *Writer) Close() error {
	if err := w.fst.Close(); err != nil {
		return fmt.Errorf("writer: fst close: %w", err)
	}
	if err := w.termsFile.Close(); err != nil {
		return fmt.Errorf("writer: terms close: %w", err)
	}
	if err := w.postingsFile.Close(); err != nil {
		return fmt.Errorf("writer: postings close: %w", err)
	}

	docsBytes, err := w.docs.ToBytes()
	if err != nil {
		return fmt.Errorf("writer: docs bitmap: %w", err)
	}
	docsPath := path.Join(w.dir, filename(w.id, extDocs))
	if err = os.WriteFile(docsPath+tmpSuffix, docsBytes, 0o644); err != nil {
		return fmt.Errorf("writer: docs bitmap: %w", err)
	}

	for _, ext := range []string{extPostings, extDocs, extTerms} {
		p := path.Join(w.dir, filename(w.id, ext))
		if err = os.Rename(p+tmpSuffix, p); err != nil {
			return fmt.Errorf("writer: publish %s: %w", ext, err)
		}
	}

	return nil
}

// Discard abandons the segment: the unpublished tmp files are removed.
// Either Close or Discard must be called, not both.
func (w *Writer) Discard() error {
	err := w.fst.Close()
	if err1 := w.termsFile.Close(); err == nil {
		err = err1
	}
	if err1 := w.postingsFile.Close(); err == nil {
		err = err1
	}
	for _, f := range []*os.File{w.termsFile, w.postingsFile} {
		if err1 := os.Remove(f.Name()); err1 != nil && !errors.Is(err1, os.ErrNotExist) && err == nil {
			err = err1
		}
	}
	return err
}

func (w *Writer) ID() uint64 { return w.id }

// Builder hands the fst builder back for pooled reuse. Valid after
// Close or Discard.
func (w *Writer) Builder() *vellum.Builder { return w.fst }

// Info describes the written segment. Valid after Close.
func (w *Writer) Info() Info {
	return Info{
		ID:      w.id,
		Terms:   w.terms,
		MinTerm: w.minTerm,
		MaxTerm: w.maxTerm,
		Docs:    w.docs,
	}
}

// throttledWriter blocks until the limiter admits each chunk.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		chunk := len(p)
		if burst := t.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err = t.limiter.WaitN(t.ctx, chunk); err != nil {
			return n, err
		}
		written, err := t.w.Write(p[:chunk])
		n += written
		if err != nil {
			return n, err
		}
		p = p[chunk:]
	}
	return n, nil
}
