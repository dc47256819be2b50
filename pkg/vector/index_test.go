package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsBackendExplicitly(t *testing.T) {
	cfg := DefaultConfig(2, Euclidean)

	bf, err := Open(withBackend(cfg, BackendBruteForce), 0)
	require.NoError(t, err)
	assert.Equal(t, BackendBruteForce, bf.Backend())

	graph, err := Open(withBackend(cfg, BackendGraph), 0)
	require.NoError(t, err)
	assert.Equal(t, BackendGraph, graph.Backend())

	leann, err := Open(withBackend(cfg, BackendLEANN), 0)
	require.NoError(t, err)
	assert.Equal(t, BackendLEANN, leann.Backend())
}

func TestOpenAutoPicksGraphBelowThresholdAndLEANNAboveIt(t *testing.T) {
	cfg := DefaultConfig(2, Euclidean)

	small, err := Open(withBackend(cfg, BackendAuto), 10)
	require.NoError(t, err)
	assert.Equal(t, BackendGraph, small.Backend())

	large, err := Open(withBackend(cfg, BackendAuto), autoThreshold)
	require.NoError(t, err)
	assert.Equal(t, BackendLEANN, large.Backend())
}

func withBackend(cfg Config, b Backend) Config {
	cfg.Backend = b
	return cfg
}
