package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarityHalfway(t *testing.T) {
	s := math.Sqrt(0.5)
	a := []float32{1, 0, 0, 0}
	c := []float32{float32(s), float32(s), 0, 0}
	assert.InDelta(t, s, CosineSimilarity(a, c), 1e-4)
}

func TestDistanceCosineMatchesSpecScenario(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	c := Normalize([]float32{1, 1, 0, 0})
	d := Distance(Cosine, a, c)
	sim := SimilarityFromDistance(Cosine, d)
	assert.InDelta(t, 0.7071, sim, 1e-3)
}

func TestNormalizeProducesUnitVector(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.True(t, IsNormalized(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IsFinite([]float32{1, 2, 3}))
	assert.False(t, IsFinite([]float32{1, float32(math.NaN()), 3}))
	assert.False(t, IsFinite([]float32{float32(math.Inf(1))}))
}

func TestManhattanAndEuclidean(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	assert.InDelta(t, 5.0, EuclideanDistance(a, b), 1e-9)
	assert.InDelta(t, 7.0, ManhattanDistance(a, b), 1e-9)
}

func TestRequiresNormalization(t *testing.T) {
	assert.True(t, RequiresNormalization(Cosine))
	assert.True(t, RequiresNormalization(Dot))
	assert.False(t, RequiresNormalization(Euclidean))
	assert.False(t, RequiresNormalization(Manhattan))
}
