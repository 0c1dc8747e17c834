package elasticsearch

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type TestingMachine struct {
	e   *Engine
	dir string
	t   *testing.T
}

type IngestCmd []Document // indexed in order, ids assigned 1,2,...
type FlushCmd struct{}
type SearchCmd struct {
	Filter Filter
	Want   []uint32
}
type DeleteCmd []uint32
type ForceMergeCmd struct{}
type CountSegmentsCmd int
type CheckCmd func(e *Engine) // run manual check

// Run follows commands in the sequence
func (m *TestingMachine) Run(testSequence []any) {
	for _, s := range testSequence {
		m.RunOne(s)
	}
}

func (m *TestingMachine) RunOne(testCmd any) {
	switch cmd := testCmd.(type) {
	case CheckCmd:
		cmd(m.e)
	case IngestCmd:
		for _, doc := range cmd {
			_, err := m.e.IndexDocument(doc)
			require.NoError(m.t, err)
		}
	case FlushCmd:
		require.NoError(m.t, m.e.Flush())
	case SearchCmd:
		docs, err := m.e.Search(context.Background(), cmd.Filter)
		require.NoError(m.t, err)
		if len(cmd.Want) == 0 {
			require.Empty(m.t, docs)
		} else {
			require.Equal(m.t, cmd.Want, docs)
		}
	case DeleteCmd:
		_, err := m.e.Delete(cmd...)
		require.NoError(m.t, err)
	case ForceMergeCmd:
		require.NoError(m.t, m.e.ForceMerge(context.Background()))
	case CountSegmentsCmd:
		entries, err := os.ReadDir(m.dir)
		require.NoError(m.t, err)
		c := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if strings.HasSuffix(entry.Name(), "_fst") {
				c++
			}
		}

		require.Equal(m.t, int(cmd), c)
	}
}

func (m *TestingMachine) Close() {
	err := m.e.Close()
	require.NoError(m.t, err)

	err = os.RemoveAll(m.dir)
	require.NoError(m.t, err)
}

func NewMachine(t *testing.T) *TestingMachine {
	d := MakeTmpDir()
	e := makeTestEngine(t, d)

	return &TestingMachine{
		e:   e,
		dir: d,
		t:   t,
	}
}

// testConfig turns the background merger effectively off and keeps
// logs quiet, so segment counts stay deterministic under test.
func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.Logging.Level = "error"
	cfg.Merge.Interval = Duration(time.Hour)
	cfg.Merge.MinSegments = 1000
	cfg.Merge.MaxSegments = 1000
	cfg.Merge.Retry.InitialDelay = Duration(time.Millisecond)
	cfg.Merge.Retry.MaxDelay = Duration(10 * time.Millisecond)
	return cfg
}

func makeTestEngine(t *testing.T, dir string) *Engine {
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	return e
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func MakeTmpDir() string {
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		panic(err)
	}
	return dir
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func randomString(min, max int) string {
	b := make([]rune, min+rand.Intn(max-min))
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}
