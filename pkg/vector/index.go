package vector

// autoThreshold is the node count above which Open(BackendAuto, ...)
// selects LEANN instead of Graph-HNSW (SPEC_FULL §4.1c). It mirrors the
// LEANN small-n fallback so the two backends hand off at the same point.
const autoThreshold = 128

// Open constructs the Index implementation selected by cfg.Backend.
// BackendAuto defers the graph/LEANN choice to expectedCount: below
// autoThreshold it opens Graph-HNSW, at or above it opens LEANN. Both scale
// the same way once populated, so auto only affects which one an empty or
// small collection starts as.
func Open(cfg Config, expectedCount int) (Index, error) {
	switch cfg.Backend {
	case BackendBruteForce:
		return NewBruteForceIndex(cfg), nil
	case BackendGraph:
		return NewHNSWIndex(cfg), nil
	case BackendLEANN:
		return NewLEANNIndex(cfg)
	case BackendAuto, "":
		if expectedCount >= autoThreshold {
			return NewLEANNIndex(cfg)
		}
		return NewHNSWIndex(cfg), nil
	default:
		return NewHNSWIndex(cfg), nil
	}
}
