package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBruteForceInsertAndRetrieveScenario(t *testing.T) {
	cfg := DefaultConfig(4, Cosine)
	idx := NewBruteForceIndex(cfg)

	require.NoError(t, idx.Insert("a", Normalize([]float32{1, 0, 0, 0})))
	require.NoError(t, idx.Insert("b", Normalize([]float32{0, 1, 0, 0})))
	require.NoError(t, idx.Insert("c", Normalize([]float32{1, 1, 0, 0})))

	results, err := idx.Search(context.Background(), Normalize([]float32{1, 0, 0, 0}), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.7071, results[1].Similarity, 1e-3)
}

func TestBruteForceRejectsDimensionMismatch(t *testing.T) {
	idx := NewBruteForceIndex(DefaultConfig(4, Cosine))
	err := idx.Insert("a", []float32{1, 0, 0})
	assert.Error(t, err)
	assert.Equal(t, 0, idx.Count())
}

func TestBruteForceRejectsNonFinite(t *testing.T) {
	idx := NewBruteForceIndex(DefaultConfig(2, Euclidean))
	err := idx.Insert("a", []float32{1, float32(1) / 0})
	assert.Error(t, err)
}

func TestBruteForceRejectsUnnormalizedForCosine(t *testing.T) {
	idx := NewBruteForceIndex(DefaultConfig(2, Cosine))
	err := idx.Insert("a", []float32{3, 4})
	assert.Error(t, err)
}

func TestBruteForceSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig(4, Cosine)
	idx := NewBruteForceIndex(cfg)
	require.NoError(t, idx.Insert("a", Normalize([]float32{1, 0, 0, 0})))
	require.NoError(t, idx.Insert("b", Normalize([]float32{0, 1, 0, 0})))

	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, idx.Save(path))

	loaded := NewBruteForceIndex(cfg)
	ok, err := loaded.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idx.Count(), loaded.Count())

	before, _ := idx.Search(context.Background(), Normalize([]float32{1, 0, 0, 0}), 2)
	after, _ := loaded.Search(context.Background(), Normalize([]float32{1, 0, 0, 0}), 2)
	assert.Equal(t, before, after)
}

func TestBruteForceLoadMissingFileReturnsFalse(t *testing.T) {
	idx := NewBruteForceIndex(DefaultConfig(4, Cosine))
	ok, err := idx.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBruteForceRemoveAndHas(t *testing.T) {
	idx := NewBruteForceIndex(DefaultConfig(2, Euclidean))
	require.NoError(t, idx.Insert("a", []float32{1, 2}))
	assert.True(t, idx.Has("a"))
	assert.True(t, idx.Remove("a"))
	assert.False(t, idx.Has("a"))
	assert.False(t, idx.Remove("a"))
}
