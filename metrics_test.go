package elasticsearch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	m := NewMachine(t)
	m.Run([]any{
		IngestCmd{{"body": "alpha"}},
		FlushCmd{},
		SearchCmd{Filter: TermFilter{"body", "alpha"}, Want: []uint32{1}},
		SearchCmd{Filter: TermFilter{"body", "alpha"}, Want: []uint32{1}},
	})

	rec := httptest.NewRecorder()
	m.e.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, `docs_indexed_total 1`)
	require.Contains(t, body, `index_flushes_total{status="success"} 1`)
	require.Contains(t, body, `search_queries_total{cache_status="miss"} 1`)
	require.Contains(t, body, `search_queries_total{cache_status="hit"} 1`)
	require.Contains(t, body, `segment_count 1`)
	m.Close()
}

func TestMetricsPerEngineRegistry(t *testing.T) {
	// two engines in one process must not clash on metric registration
	d1, d2 := MakeTmpDir(), MakeTmpDir()
	defer os.RemoveAll(d1)
	defer os.RemoveAll(d2)

	e1 := makeTestEngine(t, d1)
	e2 := makeTestEngine(t, d2)
	require.NoError(t, e1.Close())
	require.NoError(t, e2.Close())
}
