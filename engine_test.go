package elasticsearch

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexLifecycle(t *testing.T) {
	sequence := []any{
		IngestCmd{
			{"title": "go in action", "tags": "programming golang"},
			{"title": "rust in action", "tags": "programming rust"},
			{"title": "the go programming language", "tags": "golang"},
		},
		FlushCmd{},
		CountSegmentsCmd(1),
		SearchCmd{Filter: TermFilter{"title", "go"}, Want: []uint32{1, 3}},
		SearchCmd{Filter: TermFilter{"tags", "rust"}, Want: []uint32{2}},
		SearchCmd{Filter: TermFilter{"title", "java"}}, // absent term matches nothing
		IngestCmd{
			{"title": "learning python", "tags": "programming python"},
		},
		FlushCmd{},
		CountSegmentsCmd(2),
		SearchCmd{Filter: TermFilter{"tags", "programming"}, Want: []uint32{1, 2, 4}},
		DeleteCmd{2},
		// same segments, the cached result minus the new tombstone
		SearchCmd{Filter: TermFilter{"tags", "programming"}, Want: []uint32{1, 4}},
		ForceMergeCmd{},
		CountSegmentsCmd(1),
		SearchCmd{Filter: TermFilter{"tags", "programming"}, Want: []uint32{1, 4}},
		SearchCmd{Filter: MatchAllFilter{}, Want: []uint32{1, 3, 4}},
		CheckCmd(func(e *Engine) {
			st := e.Stats()
			require.Equal(t, uint64(3), st.Docs)
			require.Equal(t, uint64(0), st.Deleted) // tombstones pruned by the merge
			require.Equal(t, 1, st.Segments)
		}),
	}

	m := NewMachine(t)
	m.Run(sequence)
	m.Close()
}

func TestFlushMakesDocsVisible(t *testing.T) {
	sequence := []any{
		IngestCmd{
			{"body": "needle in a haystack"},
		},
		SearchCmd{Filter: TermFilter{"body", "needle"}}, // buffered only, not searchable yet
		CheckCmd(func(e *Engine) {
			require.Equal(t, uint64(1), e.Stats().Buffered)
		}),
		FlushCmd{},
		SearchCmd{Filter: TermFilter{"body", "needle"}, Want: []uint32{1}},
		CheckCmd(func(e *Engine) {
			require.Equal(t, uint64(0), e.Stats().Buffered)
		}),
	}

	m := NewMachine(t)
	m.Run(sequence)
	m.Close()
}

func TestDeleteBufferedDoc(t *testing.T) {
	sequence := []any{
		IngestCmd{
			{"body": "alpha"},
			{"body": "beta"},
		},
		CountSegmentsCmd(0),
		DeleteCmd{1},
		// the delete flushed the memtable so the tombstone could land
		CountSegmentsCmd(1),
		SearchCmd{Filter: TermFilter{"body", "alpha"}},
		SearchCmd{Filter: TermFilter{"body", "beta"}, Want: []uint32{2}},
	}

	m := NewMachine(t)
	m.Run(sequence)
	m.Close()
}

func TestRepeatedSearchHitsCache(t *testing.T) {
	m := NewMachine(t)
	m.Run([]any{
		IngestCmd{
			{"body": "alpha beta"},
			{"body": "beta gamma"},
		},
		FlushCmd{},
	})

	f := TermFilter{"body", "beta"}
	first, err := m.e.Search(context.Background(), f)
	require.NoError(t, err)
	second, err := m.e.Search(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, first, second)

	st := m.e.Stats()
	require.Equal(t, 1, st.CacheEntries)
	require.GreaterOrEqual(t, st.CacheHits, int64(1))
	m.Close()
}

func TestWarmPopulatesCache(t *testing.T) {
	m := NewMachine(t)
	m.Run([]any{
		IngestCmd{
			{"body": "alpha"},
			{"body": "beta"},
		},
		FlushCmd{},
	})

	err := m.e.Warm(context.Background(), TermFilter{"body", "alpha"}, MatchAllFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, m.e.Stats().CacheEntries)

	// the warmed filter is served from the cache
	docs, err := m.e.Search(context.Background(), TermFilter{"body", "alpha"})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, docs)
	require.GreaterOrEqual(t, m.e.Stats().CacheHits, int64(1))
	m.Close()
}

func TestReopen(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)

	e := makeTestEngine(t, d)
	_, err := e.IndexDocument(Document{"body": "alpha"})
	require.NoError(t, err)
	_, err = e.IndexDocument(Document{"body": "beta"})
	require.NoError(t, err)
	_, err = e.Delete(2)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Re-open and see the state caught up
	e = makeTestEngine(t, d)
	docs, err := e.Search(context.Background(), TermFilter{"body", "alpha"})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, docs)

	docs, err = e.Search(context.Background(), TermFilter{"body", "beta"})
	require.NoError(t, err)
	require.Empty(t, docs) // the tombstone survived the restart

	// doc ids keep growing after a restart
	id, err := e.IndexDocument(Document{"body": "gamma"})
	require.NoError(t, err)
	require.Equal(t, uint32(3), id)

	require.NoError(t, e.Flush())
	docs, err = e.Search(context.Background(), TermFilter{"body", "gamma"})
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, docs)
	require.NoError(t, e.Close())
}

func TestAutoFlushBySize(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)

	cfg := testConfig(d)
	cfg.Memtable.FlushSize = 32
	e, err := Open(cfg)
	require.NoError(t, err)

	_, err = e.IndexDocument(Document{"body": "alpha beta gamma delta epsilon"})
	require.NoError(t, err)

	st := e.Stats()
	require.Equal(t, 1, st.Segments)
	require.Equal(t, uint64(0), st.Buffered)
	require.NoError(t, e.Close())
}

func TestEmptyDocumentRejected(t *testing.T) {
	m := NewMachine(t)

	_, err := m.e.IndexDocument(Document{})
	require.Error(t, err)

	_, err = m.e.IndexDocument(Document{"title": "   "})
	require.Error(t, err)

	require.Equal(t, uint64(0), m.e.Stats().Buffered)
	m.Close()
}

func TestDeleteUnknownDoc(t *testing.T) {
	m := NewMachine(t)
	m.Run([]any{
		IngestCmd{{"body": "alpha"}},
		FlushCmd{},
	})

	n, err := m.e.Delete(42)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	n, err = m.e.Delete(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	// deleting twice changes nothing
	n, err = m.e.Delete(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
	m.Close()
}

func TestClosedEngine(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)

	e := makeTestEngine(t, d)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close()) // closing twice is fine

	_, err := e.IndexDocument(Document{"body": "alpha"})
	require.ErrorIs(t, err, ErrClosed)

	_, err = e.Search(context.Background(), MatchAllFilter{})
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, e.Flush(), ErrClosed)

	_, err = e.Delete(1)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, e.ForceMerge(context.Background()), ErrClosed)
	require.ErrorIs(t, e.Warm(context.Background(), MatchAllFilter{}), ErrClosed)
}

func TestCloseFlushesBuffered(t *testing.T) {
	d := MakeTmpDir()
	defer os.RemoveAll(d)

	e := makeTestEngine(t, d)
	_, err := e.IndexDocument(Document{"body": "alpha"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = makeTestEngine(t, d)
	docs, err := e.Search(context.Background(), TermFilter{"body", "alpha"})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, docs)
	require.NoError(t, e.Close())
}

func TestConcurrentEngine(t *testing.T) {
	m := NewMachine(t)

	workers := 10
	docsPerWorker := 20
	begin := make(chan int)
	wg := sync.WaitGroup{}

	for i := 0; i < workers; i++ {
		// INDEX OPS
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			for j := 0; j < docsPerWorker; j++ {
				_, err := m.e.IndexDocument(Document{"body": randomString(3, 10) + " shared"})
				require.NoError(t, err)
			}
		}()

		// SEARCH OPS
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			_, err := m.e.Search(context.Background(), TermFilter{"body", "shared"})
			require.NoError(t, err)
		}()
	}

	close(begin)
	wg.Wait()

	require.NoError(t, m.e.Flush())
	n, err := m.e.Count(context.Background(), TermFilter{"body", "shared"})
	require.NoError(t, err)
	require.Equal(t, uint64(workers*docsPerWorker), n)

	require.NoError(t, m.e.ForceMerge(context.Background()))
	n, err = m.e.Count(context.Background(), TermFilter{"body", "shared"})
	require.NoError(t, err)
	require.Equal(t, uint64(workers*docsPerWorker), n)
	m.Close()
}
