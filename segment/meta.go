package segment

import (
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/blevesearch/vellum"
)

const (
	extTerms    = "fst"
	extPostings = "val"
	extDocs     = "doc"

	tmpSuffix = "_tmp"

	// tombstonesFile holds the directory-wide deleted docs bitmap,
	// shared by all segments.
	tombstonesFile = "deleted_docs"

	// runHeaderSize prefixes every postings run with its byte length.
	runHeaderSize = 4
)

func filename(id uint64, ext string) string {
	return fmt.Sprintf("%d_%s", id, ext)
}

// Info is the metadata of one on-disk segment.
type Info struct {
	ID      uint64
	Terms   int
	MinTerm []byte
	MaxTerm []byte
	Docs    *roaring.Bitmap
}

// Stat reads a published segment's metadata back from its files.
func Stat(dir string, id uint64) (Info, error) {
	info := Info{ID: id}

	fst, err := vellum.Open(path.Join(dir, filename(id, extTerms)))
	if err != nil {
		return info, fmt.Errorf("segment %d: terms file: %w", id, err)
	}
	info.Terms = fst.Len()
	minTerm, err := fst.GetMinKey()
	if err != nil {
		_ = fst.Close()
		return info, fmt.Errorf("segment %d: terms file: %w", id, err)
	}
	info.MinTerm = append([]byte{}, minTerm...)
	maxTerm, err := fst.GetMaxKey()
	if err != nil {
		_ = fst.Close()
		return info, fmt.Errorf("segment %d: terms file: %w", id, err)
	}
	info.MaxTerm = append([]byte{}, maxTerm...)
	if err = fst.Close(); err != nil {
		return info, fmt.Errorf("segment %d: terms file: %w", id, err)
	}

	if info.Docs, err = ReadDocs(dir, id); err != nil {
		return info, fmt.Errorf("segment %d: %w", id, err)
	}

	return info, nil
}

// Size reports the byte size of the segment's files on disk.
func Size(dir string, id uint64) (int64, error) {
	var total int64
	for _, ext := range []string{extTerms, extPostings, extDocs} {
		st, err := os.Stat(path.Join(dir, filename(id, ext)))
		if err != nil {
			return 0, fmt.Errorf("segment %d size: %w", id, err)
		}
		total += st.Size()
	}
	return total, nil
}

// List scans the directory and returns the ids of all published segments
// in ascending order. Incomplete leftovers from a crash (tmp files or
// sidecars without a terms file) are ignored.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), "_"+extTerms)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	slices.Sort(ids)
	return ids, nil
}

// Remove deletes all files of the segment. Missing files are not an
// error: removal after a crash may find a partial set.
func Remove(dir string, id uint64) error {
	for _, ext := range []string{extTerms, extPostings, extDocs} {
		err := os.Remove(path.Join(dir, filename(id, ext)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove segment %d: %w", id, err)
		}
	}
	return nil
}

// RemoveTemp sweeps unpublished tmp files, left when a writer crashed
// before renaming.
func RemoveTemp(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sweep tmp: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if err := os.Remove(path.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("sweep tmp: %w", err)
		}
	}
	return nil
}

// ReadDocs loads the segment's doc id bitmap.
func ReadDocs(dir string, id uint64) (*roaring.Bitmap, error) {
	b, err := readBitmap(path.Join(dir, filename(id, extDocs)))
	if err != nil {
		return nil, fmt.Errorf("docs bitmap: %w", err)
	}
	return b, nil
}

// ReadTombstones loads the directory-wide deleted docs bitmap. A missing
// file means nothing was deleted.
func ReadTombstones(dir string) (*roaring.Bitmap, error) {
	b, err := readBitmap(path.Join(dir, tombstonesFile))
	if errors.Is(err, os.ErrNotExist) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tombstones bitmap: %w", err)
	}
	return b, nil
}

// WriteTombstones persists the deleted docs bitmap via a tmp file
// rename, so a concurrent reader never sees a half-written file.
func WriteTombstones(dir string, deleted *roaring.Bitmap) error {
	data, err := deleted.ToBytes()
	if err != nil {
		return fmt.Errorf("tombstones bitmap: %w", err)
	}
	p := path.Join(dir, tombstonesFile)
	if err = os.WriteFile(p+tmpSuffix, data, 0o644); err != nil {
		return fmt.Errorf("tombstones bitmap: %w", err)
	}
	if err = os.Rename(p+tmpSuffix, p); err != nil {
		return fmt.Errorf("tombstones bitmap: %w", err)
	}
	return nil
}

func readBitmap(p string) (*roaring.Bitmap, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	b := roaring.New()
	if err = b.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", p, err)
	}
	return b, nil
}
