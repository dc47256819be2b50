// HNSWIndex implements the Malkov-Yashunin Hierarchical Navigable Small
// World graph (SPEC_FULL §4.1a): per-node level drawn from the exponential
// decay distribution, greedy descent from the entry point down to the
// node's level, beam search at each level at or below it, closest-first
// neighbor selection with degree pruning.
package vector

import (
	"container/heap"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

type hnswNode struct {
	id        string
	vector    []float32
	quantized *QuantizedVector
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// HNSWIndex is the Graph-HNSW backend.
type HNSWIndex struct {
	cfg Config

	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
}

// NewHNSWIndex creates an empty Graph-HNSW index for cfg.
func NewHNSWIndex(cfg Config) *HNSWIndex {
	return &HNSWIndex{cfg: cfg, nodes: make(map[string]*hnswNode)}
}

func (h *HNSWIndex) Backend() Backend { return BackendGraph }

func (h *HNSWIndex) validate(op string, v []float32) error {
	if len(v) != h.cfg.Dim {
		return memerr.New(memerr.KindValidation, op, errDimensionMismatch).
			With("expected", h.cfg.Dim).With("actual", len(v))
	}
	if !IsFinite(v) {
		return memerr.New(memerr.KindValidation, op, errNotFinite)
	}
	if RequiresNormalization(h.cfg.Metric) && !IsNormalized(v) {
		return memerr.New(memerr.KindValidation, op, errNotNormalized)
	}
	return nil
}

func (h *HNSWIndex) dist(a, b []float32) float64 {
	return Distance(h.cfg.Metric, a, b)
}

// Insert adds or replaces the vector stored under id.
func (h *HNSWIndex) Insert(id string, v []float32) error {
	if err := h.validate("vector.Insert", v); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; exists {
		h.removeLocked(id)
	}

	vec := make([]float32, len(v))
	copy(vec, v)
	level := h.randomLevel()

	node := &hnswNode{id: id, vector: vec, level: level, neighbors: make([][]string, level+1)}
	if h.cfg.Quantization.Enabled {
		q := Quantize(vec)
		node.quantized = &q
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.cfg.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(vec, ep, l)
	}

	top := level
	if epLevel < top {
		top = epLevel
	}
	for l := top; l >= 0; l-- {
		m := h.cfg.M
		if l == 0 {
			m = h.cfg.m0()
		}
		candidates := h.searchLayer(vec, ep, h.cfg.EfConstruction, l)
		neighbors := h.selectNeighbors(vec, candidates, m)
		node.neighbors[l] = neighbors

		for _, nid := range neighbors {
			neighbor := h.nodes[nid]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < m {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					all := append(append([]string{}, neighbor.neighbors[l]...), id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, m)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

// Remove deletes id from the index, unlinking it from every neighbor list.
func (h *HNSWIndex) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(id)
}

func (h *HNSWIndex) removeLocked(id string) bool {
	node, exists := h.nodes[id]
	if !exists {
		return false
	}
	for l := 0; l <= node.level; l++ {
		for _, nid := range node.neighbors[l] {
			if neighbor, ok := h.nodes[nid]; ok {
				neighbor.mu.Lock()
				if len(neighbor.neighbors) > l {
					kept := neighbor.neighbors[l][:0:0]
					for _, x := range neighbor.neighbors[l] {
						if x != id {
							kept = append(kept, x)
						}
					}
					neighbor.neighbors[l] = kept
				}
				neighbor.mu.Unlock()
			}
		}
	}
	delete(h.nodes, id)

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = 0
		for nid, n := range h.nodes {
			if h.entryPoint == "" || n.level > h.maxLevel {
				h.maxLevel = n.level
				h.entryPoint = nid
			}
		}
	}
	return true
}

func (h *HNSWIndex) Get(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	cp := make([]float32, len(n.vector))
	copy(cp, n.vector)
	return cp, true
}

func (h *HNSWIndex) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[id]
	return ok
}

func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *HNSWIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = make(map[string]*hnswNode)
	h.entryPoint = ""
	h.maxLevel = 0
}

func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	return h.SearchWithVectors(ctx, query, k, false)
}

func (h *HNSWIndex) SearchWithVectors(ctx context.Context, query []float32, k int, includeVec bool) ([]SearchResult, error) {
	if err := h.validate("vector.Search", query); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []SearchResult{}, nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(query, ep, l)
	}

	ef := h.cfg.EfSearch
	fetch := k
	if h.cfg.Quantization.Enabled {
		fetch = k * h.cfg.Quantization.rerankMultiplier()
	}
	if fetch > ef {
		ef = fetch
	}

	candidates := h.searchLayer(query, ep, ef, 0)

	results := make([]SearchResult, 0, len(candidates))
	for _, id := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		node := h.nodes[id]
		d := h.dist(query, node.vector)
		sr := SearchResult{ID: id, Distance: d, Similarity: SimilarityFromDistance(h.cfg.Metric, d)}
		if includeVec {
			cp := make([]float32, len(node.vector))
			copy(cp, node.vector)
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

func (h *HNSWIndex) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Count: len(h.nodes), Dim: h.cfg.Dim, Metric: h.cfg.Metric,
		Backend: BackendGraph, QuantizationOn: h.cfg.Quantization.Enabled,
	}
}

func (h *HNSWIndex) searchLayerSingle(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := h.dist(query, h.nodes[current].vector)
	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, nid := range neighbors {
			d := h.dist(query, h.nodes[nid].vector)
			if d < currentDist {
				current = nid
				currentDist = d
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

func (h *HNSWIndex) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &hnswDistHeap{}
	results := &hnswDistHeap{}
	heap.Init(candidates)
	heap.Init(results)

	entryDist := h.dist(query, h.nodes[entryID].vector)
	heap.Push(candidates, hnswDistItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, hnswDistItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)
		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, nid := range neighbors {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			d := h.dist(query, h.nodes[nid].vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{id: nid, dist: d, isMax: false})
				heap.Push(results, hnswDistItem{id: nid, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(hnswDistItem).id
	}
	return out
}

func (h *HNSWIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type dn struct {
		id   string
		dist float64
	}
	dists := make([]dn, len(candidates))
	for i, cid := range candidates {
		dists[i] = dn{id: cid, dist: h.dist(query, h.nodes[cid].vector)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })
	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].id
	}
	return out
}

func (h *HNSWIndex) randomLevel() int {
	r := rand.Float64()
	for r == 0 {
		r = rand.Float64()
	}
	return int(-math.Log(r) * h.cfg.ml())
}

type hnswDistItem struct {
	id    string
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }
func (dh *hnswDistHeap) Push(x any)   { *dh = append(*dh, x.(hnswDistItem)) }
func (dh *hnswDistHeap) Pop() any {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}

// hnswSnapshot is the self-contained persistence format for Graph-HNSW
// (SPEC_FULL §4.1a): metric, dimension, nodes with per-level neighbors, and
// full-precision vectors.
type hnswSnapshot struct {
	Dim         int                    `json:"dim"`
	Metric      Metric                 `json:"metric"`
	EntryPoint  string                 `json:"entryPoint"`
	MaxLevel    int                    `json:"maxLevel"`
	Nodes       map[string]int         `json:"nodes"`     // id -> level
	Neighbors   map[string][][]string  `json:"neighbors"` // id -> per-level neighbor ids
	Vectors     map[string][]float32   `json:"vectors"`
	Quantized   map[string]QuantizedVector `json:"quantized,omitempty"`
	QuantizeOn  bool                   `json:"quantizeOn"`
}

func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	snap := hnswSnapshot{
		Dim: h.cfg.Dim, Metric: h.cfg.Metric, EntryPoint: h.entryPoint, MaxLevel: h.maxLevel,
		Nodes: make(map[string]int, len(h.nodes)), Neighbors: make(map[string][][]string, len(h.nodes)),
		Vectors: make(map[string][]float32, len(h.nodes)), QuantizeOn: h.cfg.Quantization.Enabled,
	}
	if snap.QuantizeOn {
		snap.Quantized = make(map[string]QuantizedVector, len(h.nodes))
	}
	for id, n := range h.nodes {
		snap.Nodes[id] = n.level
		snap.Neighbors[id] = n.neighbors
		snap.Vectors[id] = n.vector
		if snap.QuantizeOn && n.quantized != nil {
			snap.Quantized[id] = *n.quantized
		}
	}
	h.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	return atomicWriteFile(path, data)
}

func (h *HNSWIndex) Load(path string) (bool, error) {
	data, err := readFileOrAbsent(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	var snap hnswSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	if snap.Dim != h.cfg.Dim || snap.Metric != h.cfg.Metric {
		return false, memerr.Newf(memerr.KindPersistence, "vector.Load",
			"snapshot dim/metric %d/%s does not match index %d/%s", snap.Dim, snap.Metric, h.cfg.Dim, h.cfg.Metric)
	}

	nodes := make(map[string]*hnswNode, len(snap.Nodes))
	for id, level := range snap.Nodes {
		n := &hnswNode{id: id, level: level, vector: snap.Vectors[id], neighbors: snap.Neighbors[id]}
		if snap.QuantizeOn {
			if q, ok := snap.Quantized[id]; ok {
				n.quantized = &q
			}
		}
		nodes[id] = n
	}

	h.mu.Lock()
	h.nodes = nodes
	h.entryPoint = snap.EntryPoint
	h.maxLevel = snap.MaxLevel
	h.mu.Unlock()
	return true, nil
}
