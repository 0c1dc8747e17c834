package elasticsearch

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOrdering(t *testing.T) {
	sn := newSnapshot(1, []*Segment{
		newSegment(1, 10, 1, nil, nil, roaring.New()),
		newSegment(2, 1, 1, nil, nil, roaring.New()),
		newSegment(3, 3, 1, nil, nil, roaring.New()),
	})

	require.Equal(t, int64(1), sn.segments[0].size)
	require.Equal(t, int64(3), sn.segments[1].size)
	require.Equal(t, int64(10), sn.segments[2].size)
}

func TestSnapshotNext(t *testing.T) {
	a := newSegment(1, 10, 1, nil, nil, roaring.New())
	b := newSegment(2, 1, 1, nil, nil, roaring.New())
	c := newSegment(3, 3, 1, nil, nil, roaring.New())
	sn := newSnapshot(1, []*Segment{a, b, c})

	d := newSegment(4, 5, 1, nil, nil, roaring.New())
	next := sn.next([]*Segment{d}, []*Segment{a, c})

	require.Equal(t, uint64(2), next.gen)
	require.Len(t, next.segments, 2)
	require.Nil(t, next.byID(1))
	require.Nil(t, next.byID(3))
	require.NotNil(t, next.byID(2))
	require.NotNil(t, next.byID(4))

	// the previous generation stays as it was
	require.Len(t, sn.segments, 3)
}

func TestRetireWaitsForPins(t *testing.T) {
	s := newSegment(1, 1, 1, nil, nil, roaring.New())
	require.True(t, s.pin())

	done := make(chan struct{})
	go func() {
		s.retire()
		close(done)
	}()

	// retire must wait while the pin is held
	select {
	case <-done:
		t.Fatal("retire returned before the pin was released")
	case <-time.After(20 * time.Millisecond):
	}

	s.release()
	<-done

	// a retired segment rejects new pins
	require.False(t, s.pin())
}

func TestPinAllRollsBack(t *testing.T) {
	a := newSegment(1, 1, 1, nil, nil, roaring.New())
	b := newSegment(2, 2, 1, nil, nil, roaring.New())
	sn := newSnapshot(1, []*Segment{a, b})

	b.retired.Store(true)

	pinned, ok := sn.pinAll()
	require.False(t, ok)
	require.Nil(t, pinned)

	// the pin taken on the first segment was dropped again
	require.True(t, a.m.TryLock())
	a.m.Unlock()
}
