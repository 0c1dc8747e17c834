package elasticsearch

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeTestScheduler(st *Store, interval time.Duration) *MergeScheduler {
	policy := &TieredMergePolicy{MinSegments: 2, MaxSegments: 10, FloorSize: 2 << 20, Ratio: 10}
	retry := RetryConfig{
		MaxAttempts:  2,
		InitialDelay: Duration(time.Millisecond),
		MaxDelay:     Duration(5 * time.Millisecond),
	}
	return NewMergeScheduler(st, policy, interval, retry, testLogger())
}

func TestSchedulerMergesOnKick(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)
	st := makeTestStore(t, d)

	writeSegment(t, st, map[string][]uint32{"aa": {1}})
	writeSegment(t, st, map[string][]uint32{"bb": {2}})
	writeSegment(t, st, map[string][]uint32{"cc": {3}})
	writeSegment(t, st, map[string][]uint32{"dd": {4}})

	ms := makeTestScheduler(st, time.Hour)
	ms.Start(context.Background())
	defer ms.Stop()
	ms.Kick()

	require.Eventually(t, func() bool {
		return st.Len() == 1 && ms.Merges() >= 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, ms.LastError())
	require.Equal(t, uint64(4), st.Docs().GetCardinality())
}

func TestSchedulerMergesOnInterval(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)
	st := makeTestStore(t, d)

	writeSegment(t, st, map[string][]uint32{"aa": {1}})
	writeSegment(t, st, map[string][]uint32{"bb": {2}})

	ms := makeTestScheduler(st, 10*time.Millisecond)
	ms.Start(context.Background())
	defer ms.Stop()

	require.Eventually(t, func() bool {
		return st.Len() == 1 && ms.Merges() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRecordsFailure(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)
	st := makeTestStore(t, d)

	writeSegment(t, st, map[string][]uint32{"aa": {1}})
	writeSegment(t, st, map[string][]uint32{"bb": {2}})

	// break one segment so the merge cannot read it
	ids := segmentIDs(st)
	require.NoError(t, os.Remove(path.Join(d, fmt.Sprintf("%d_val", ids[0]))))

	ms := makeTestScheduler(st, time.Hour)
	ms.Start(context.Background())
	defer ms.Stop()
	ms.Kick()

	require.Eventually(t, func() bool {
		return ms.LastError() != nil
	}, time.Second, 5*time.Millisecond)

	// inputs were not touched by the failed merge
	require.Equal(t, 2, st.Len())
	require.Equal(t, uint64(0), ms.Merges())
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)
	st := makeTestStore(t, d)

	ms := makeTestScheduler(st, time.Hour)
	ms.Kick()
	ms.Stop() // never started, still returns
}
