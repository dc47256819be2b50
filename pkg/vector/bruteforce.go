// BruteForceIndex provides exact nearest-neighbor search by scanning every
// stored vector. It satisfies the same Index contract as the HNSW/LEANN
// backends and is opened only when BackendBruteForce is requested; the
// LEANN backend's small-n fallback is its own scan, not this type.
//
// Add: O(d). Search: O(n*d). Memory: O(n*d).
package vector

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

type BruteForceIndex struct {
	mu      sync.RWMutex
	cfg     Config
	vectors map[string][]float32
}

// NewBruteForceIndex creates an empty brute-force index for cfg.
func NewBruteForceIndex(cfg Config) *BruteForceIndex {
	return &BruteForceIndex{cfg: cfg, vectors: make(map[string][]float32)}
}

func (b *BruteForceIndex) Backend() Backend { return BackendBruteForce }

func (b *BruteForceIndex) validate(op string, v []float32) error {
	if len(v) != b.cfg.Dim {
		return memerr.New(memerr.KindValidation, op, errDimensionMismatch).
			With("expected", b.cfg.Dim).With("actual", len(v))
	}
	if !IsFinite(v) {
		return memerr.New(memerr.KindValidation, op, errNotFinite)
	}
	if RequiresNormalization(b.cfg.Metric) && !IsNormalized(v) {
		return memerr.New(memerr.KindValidation, op, errNotNormalized)
	}
	return nil
}

func (b *BruteForceIndex) Insert(id string, v []float32) error {
	if err := b.validate("vector.Insert", v); err != nil {
		return err
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	b.mu.Lock()
	b.vectors[id] = cp
	b.mu.Unlock()
	return nil
}

func (b *BruteForceIndex) Get(id string) ([]float32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.vectors[id]
	return v, ok
}

func (b *BruteForceIndex) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.vectors[id]
	return ok
}

func (b *BruteForceIndex) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.vectors[id]; !ok {
		return false
	}
	delete(b.vectors, id)
	return true
}

func (b *BruteForceIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}

func (b *BruteForceIndex) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors = make(map[string][]float32)
}

func (b *BruteForceIndex) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	return b.SearchWithVectors(ctx, query, k, false)
}

func (b *BruteForceIndex) SearchWithVectors(ctx context.Context, query []float32, k int, includeVec bool) ([]SearchResult, error) {
	if err := b.validate("vector.Search", query); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]SearchResult, 0, len(b.vectors))
	for id, v := range b.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		d := Distance(b.cfg.Metric, query, v)
		sr := SearchResult{ID: id, Distance: d, Similarity: SimilarityFromDistance(b.cfg.Metric, d)}
		if includeVec {
			cp := make([]float32, len(v))
			copy(cp, v)
			sr.Vector = cp
		}
		results = append(results, sr)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (b *BruteForceIndex) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Count: len(b.vectors), Dim: b.cfg.Dim, Metric: b.cfg.Metric, Backend: BackendBruteForce}
}

type bruteForceSnapshot struct {
	Dim     int                  `json:"dim"`
	Metric  Metric               `json:"metric"`
	Vectors map[string][]float32 `json:"vectors"`
}

func (b *BruteForceIndex) Save(path string) error {
	b.mu.RLock()
	snap := bruteForceSnapshot{Dim: b.cfg.Dim, Metric: b.cfg.Metric, Vectors: b.vectors}
	data, err := json.Marshal(snap)
	b.mu.RUnlock()
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	return atomicWriteFile(path, data)
}

func (b *BruteForceIndex) Load(path string) (bool, error) {
	data, err := readFileOrAbsent(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	var snap bruteForceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	if snap.Dim != b.cfg.Dim || snap.Metric != b.cfg.Metric {
		return false, memerr.Newf(memerr.KindPersistence, "vector.Load",
			"snapshot dim/metric %d/%s does not match index %d/%s", snap.Dim, snap.Metric, b.cfg.Dim, b.cfg.Metric)
	}
	b.mu.Lock()
	b.vectors = snap.Vectors
	if b.vectors == nil {
		b.vectors = make(map[string][]float32)
	}
	b.mu.Unlock()
	return true, nil
}
