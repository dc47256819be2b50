package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicmem/pkg/episode"
	"github.com/orneryd/nornicmem/pkg/hypergraph"
	"github.com/orneryd/nornicmem/pkg/pattern"
	"github.com/orneryd/nornicmem/pkg/search"
	"github.com/orneryd/nornicmem/pkg/timeindex"
	"github.com/orneryd/nornicmem/pkg/vector"
)

func newTestEngine(t *testing.T) (*Engine, *episode.Store, *hypergraph.Store, *pattern.Store, vector.Index) {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vecIdx := vector.NewBruteForceIndex(vector.DefaultConfig(4, vector.Cosine))
	tree := timeindex.New(timeindex.Config{Order: 8})
	epStore := episode.New(db, vecIdx, tree)
	graphStore := hypergraph.New()
	patStore := pattern.New(db)

	cfg := DefaultConfig()
	eng := NewEngine(cfg, vecIdx, graphStore, patStore, epStore)
	return eng, epStore, graphStore, patStore, vecIdx
}

func unitVec(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func TestSearchFusesAllFourSourcesWithTaskScopedQuery(t *testing.T) {
	eng, epStore, graphStore, patStore, _ := newTestEngine(t)

	start := int64(1000)
	_, err := epStore.CreateEpisode(context.Background(), episode.CreateOpts{
		TaskID: "task-1", StartTime: &start, Embedding: vector.Normalize(unitVec(0)),
	})
	require.NoError(t, err)

	_, err = graphStore.CreateNode(hypergraph.CreateNodeOpts{Key: "retry loop bash command", Namespace: "root"})
	require.NoError(t, err)
	eng.RefreshGraphIndex()

	_, err = patStore.Insert(pattern.Pattern{Name: "retry", Context: "bash retry loop", TaskType: "bash", Weight: 0.8})
	require.NoError(t, err)

	result, err := eng.Search(context.Background(), "", Query{
		Text: "retry bash", Embedding: vector.Normalize(unitVec(0)), TaskID: "task-1", TopK: 10,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Metadata.CorrelationID)
	for _, name := range allSources {
		report, ok := result.Metadata.Sources[name]
		require.True(t, ok, "missing report for %s", name)
		assert.Equal(t, StatusSuccess, report.Status)
	}
	assert.NotEmpty(t, result.Results)
}

// blockingVectorIndex is a vector.Index stub whose Search blocks until its
// context is cancelled, used to force a deterministic per-source timeout.
type blockingVectorIndex struct{ vector.Index }

func (blockingVectorIndex) Count() int { return 1 }

func (blockingVectorIndex) Search(ctx context.Context, query []float32, k int) ([]vector.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingVectorIndex) Stats() vector.Stats { return vector.Stats{} }

func TestSearchReportsTimeoutForSlowSourceAndStillSucceeds(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tree := timeindex.New(timeindex.Config{Order: 8})
	blocking := blockingVectorIndex{}
	epStore := episode.New(db, vector.NewBruteForceIndex(vector.DefaultConfig(4, vector.Cosine)), tree)
	graphStore := hypergraph.New()
	patStore := pattern.New(db)

	cfg := DefaultConfig()
	cfg.PerSourceTimeout = 10 * time.Millisecond
	eng := NewEngine(cfg, blocking, graphStore, patStore, epStore)

	result, err := eng.Search(context.Background(), "corr-timeout", Query{
		Text: "", Embedding: unitVec(0), TopK: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-timeout", result.Metadata.CorrelationID)

	report, ok := result.Metadata.Sources[SourceVector]
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, report.Status)

	// The other three sources still ran on empty stores and succeeded.
	for _, name := range []SourceName{SourceGraph, SourcePattern, SourceEpisodic} {
		assert.Equal(t, StatusSuccess, result.Metadata.Sources[name].Status)
	}
}

func TestSearchNeverFailsOnEmptyStores(t *testing.T) {
	eng, _, _, _, _ := newTestEngine(t)
	result, err := eng.Search(context.Background(), "corr-1", Query{Text: "", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", result.Metadata.CorrelationID)
	assert.Empty(t, result.Results)
	for _, name := range allSources {
		assert.Equal(t, StatusSuccess, result.Metadata.Sources[name].Status)
	}
}

func TestSearchMemoizesIdenticalQueriesAcrossGraphIndexRefresh(t *testing.T) {
	eng, _, graphStore, _, _ := newTestEngine(t)
	_, err := graphStore.CreateNode(hypergraph.CreateNodeOpts{Key: "retry-bash", Namespace: "ops"})
	require.NoError(t, err)
	eng.RefreshGraphIndex()

	q := Query{Text: "retry bash", TopK: 5}
	first, err := eng.Search(context.Background(), "corr-a", q)
	require.NoError(t, err)
	require.NotEmpty(t, first.Results)

	// A second node would change the fused result set, but the cached
	// entry is served instead since the query is identical.
	_, err = graphStore.CreateNode(hypergraph.CreateNodeOpts{Key: "retry-bash-2", Namespace: "ops"})
	require.NoError(t, err)
	eng.RefreshGraphIndex()

	second, err := eng.Search(context.Background(), "corr-b", q)
	require.NoError(t, err)
	assert.Equal(t, "corr-b", second.Metadata.CorrelationID)
	assert.Equal(t, first.Results, second.Results)
}

func TestFuseSumsWeightedScoresForSharedIDAcrossSources(t *testing.T) {
	eng := &Engine{cfg: DefaultConfig(), weights: DefaultConfig().Weights, sources: [4]source{
		vectorSource{}, &graphSource{store: hypergraph.New(), index: search.NewFulltextIndex()}, &patternSource{}, episodicSource{},
	}}
	raw := [][]rawHit{
		{{ID: "a", Score: 1.0}, {ID: "b", Score: 0.0}},
		{{ID: "a", Score: 0.8}},
		nil,
		nil,
	}
	fused := eng.fuse(raw)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.Contains(t, fused[0].ContributingSources, SourceVector)
	assert.Contains(t, fused[0].ContributingSources, SourceGraph)
	assert.Greater(t, fused[0].Score, fused[1].Score)
}

func TestMinMaxNormalizeHandlesTiedScores(t *testing.T) {
	out := minMaxNormalize([]rawHit{{ID: "a", Score: 0.5}, {ID: "b", Score: 0.5}})
	assert.Equal(t, []float64{1.0, 1.0}, out)
}

func TestPatternSourceGatesWeakMatchesByMinConfidence(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	patStore := pattern.New(db)
	_, err = patStore.Insert(pattern.Pattern{Name: "unrelated", Context: "completely different topic", TaskType: "x", Weight: 0.1})
	require.NoError(t, err)

	src := newPatternSource(patStore, 0.99)
	hits, err := src.search(context.Background(), Query{Text: "unrelated", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
