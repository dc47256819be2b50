package vector

import (
	"context"
	"math"
)

// Backend selects which ANN implementation an Index uses.
type Backend string

const (
	BackendAuto       Backend = "auto"
	BackendGraph      Backend = "graph"
	BackendLEANN      Backend = "leann"
	BackendBruteForce Backend = "bruteforce"
)

// Config parameterizes an Index at open time. Dim and Metric are fixed for
// the lifetime of the index; a Load call against a snapshot with a
// different Dim or Metric is refused.
type Config struct {
	Dim    int
	Metric Metric

	// HNSW knobs (SPEC_FULL §4.1). M0 and ML are derived from M when zero.
	M              int
	EfConstruction int
	EfSearch       int
	M0             int
	ML             float64

	// Backend selects {auto, graph, leann, bruteforce}.
	Backend Backend

	// Quantization enables int8 symmetric quantization with re-rank.
	Quantization QuantizeConfig

	// LEANN tunes the hub-cache backend; ignored by other backends.
	LEANN LEANNConfig
}

// DefaultConfig returns the SPEC_FULL §4.1 defaults for the given dimension
// and metric.
func DefaultConfig(dim int, metric Metric) Config {
	const m = 16
	return Config{
		Dim:            dim,
		Metric:         metric,
		M:              m,
		EfConstruction: 200,
		EfSearch:       50,
		M0:             2 * m,
		ML:             1.0 / math.Log(float64(m)),
		Backend:        BackendAuto,
		LEANN:          DefaultLEANNConfig(),
	}
}

func (c Config) m0() int {
	if c.M0 > 0 {
		return c.M0
	}
	return 2 * c.M
}

func (c Config) ml() float64 {
	if c.ML > 0 {
		return c.ML
	}
	return 1.0 / math.Log(float64(c.M))
}

// SearchResult is one hit from Search/SearchWithVectors. Distance (ascending
// = closer) and Similarity are always populated; Vector is populated only
// by SearchWithVectors with includeVec set.
type SearchResult struct {
	ID         string
	Distance   float64
	Similarity float64
	Vector     []float32
}

// Stats reports point-in-time index introspection, used by vector.stats.
type Stats struct {
	Count           int
	Dim             int
	Metric          Metric
	Backend         Backend
	QuantizationOn  bool
	QuantizationMSE float64
	HubCacheHits    uint64
	HubCacheMisses  uint64
	PrunedEdges     uint64
}

// Index is the common capability set every backend (Graph-HNSW, LEANN,
// brute-force) satisfies (SPEC_FULL §9 "Polymorphism over backends").
type Index interface {
	Insert(id string, v []float32) error
	Search(ctx context.Context, query []float32, k int) ([]SearchResult, error)
	SearchWithVectors(ctx context.Context, query []float32, k int, includeVec bool) ([]SearchResult, error)
	Get(id string) ([]float32, bool)
	Has(id string) bool
	Remove(id string) bool
	Count() int
	Clear()
	Save(path string) error
	Load(path string) (bool, error)
	Stats() Stats
	Backend() Backend
}
