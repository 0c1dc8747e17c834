package elasticsearch

import (
	"cmp"
	"slices"
)

// SegmentStat holds the per-segment numbers merge decisions are made
// from.
type SegmentStat struct {
	ID       uint64
	Size     int64
	Docs     uint64
	LiveDocs uint64
}

// MergePolicy determines which segments should be merged next.
type MergePolicy interface {
	// Plan selects segments to merge together.
	// Returns nil when no merge is needed.
	Plan(segments []SegmentStat) []uint64
}

// TieredMergePolicy groups segments into exponentially growing size
// tiers and merges within one tier once it collects enough members.
// Merged output lands roughly one tier up, which keeps the total
// segment count logarithmic in the index size.
type TieredMergePolicy struct {
	// MinSegments is how many segments a tier needs before it is merged.
	MinSegments int
	// MaxSegments caps how many segments one merge takes on.
	MaxSegments int
	// FloorSize puts all segments below it into the lowest tier, so tiny
	// flush outputs are swept up quickly.
	FloorSize int64
	// Ratio is the size growth factor between adjacent tiers.
	Ratio int64
}

func NewTieredMergePolicy() *TieredMergePolicy {
	return &TieredMergePolicy{
		MinSegments: 4,
		MaxSegments: 10,
		FloorSize:   2 << 20,
		Ratio:       10,
	}
}

func (p *TieredMergePolicy) Plan(segments []SegmentStat) []uint64 {
	tiers := make(map[int][]SegmentStat)
	top := 0
	for _, s := range segments {
		t := p.tier(s.Size)
		tiers[t] = append(tiers[t], s)
		top = max(top, t)
	}

	// lowest eligible tier wins: small merges are cheap and free up the
	// most segments
	for t := 0; t <= top; t++ {
		members := tiers[t]
		if len(members) < p.MinSegments {
			continue
		}

		// oldest first, so doc id order roughly survives merging
		slices.SortFunc(members, func(a, b SegmentStat) int { return cmp.Compare(a.ID, b.ID) })

		n := min(len(members), p.MaxSegments)
		ids := make([]uint64, n)
		for i := 0; i < n; i++ {
			ids[i] = members[i].ID
		}
		return ids
	}

	return nil
}

// tier maps a byte size to its exponential bucket.
func (p *TieredMergePolicy) tier(size int64) int {
	t := 0
	for size >= p.FloorSize*p.Ratio {
		size /= p.Ratio
		t++
	}
	return t
}
