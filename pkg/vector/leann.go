// LEANNIndex implements the hub-cached, pruned HNSW variant described in
// SPEC_FULL §4.1b: a bounded hub cache in front of a degree-pruned
// adjacency graph, two-level search (hub-cache scan then graph traversal),
// and a brute-force fallback for small graphs.
package vector

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// LEANNConfig tunes the hub-cache backend.
type LEANNConfig struct {
	HubCacheRatio          float64       // fraction of nodes eligible as hubs, by degree rank
	HubDegreeThreshold     int           // minimum degree to be considered a hub
	HubCacheUpdateInterval time.Duration // periodic rebuild cadence; caller-driven, not a background timer
	GraphPruningRatio      float64       // fraction of M kept as outgoing edges per node
	SmallNThreshold        int           // below this count, Search falls back to brute force
	MaxRecomputeLatencyMs  int64
}

// DefaultLEANNConfig returns the SPEC_FULL §4.1b defaults.
func DefaultLEANNConfig() LEANNConfig {
	return LEANNConfig{
		HubCacheRatio:          0.10,
		HubDegreeThreshold:     10,
		HubCacheUpdateInterval: 5 * time.Minute,
		GraphPruningRatio:      1.0,
		SmallNThreshold:        128,
		MaxRecomputeLatencyMs:  1000,
	}
}

type hubEntry struct {
	vector     []float32
	lastAccess time.Time
}

// LEANNIndex is the hub-cached backend.
type LEANNIndex struct {
	cfg   Config
	leann LEANNConfig

	mu        sync.RWMutex
	vectors   map[string][]float32
	adjacency map[string][]string
	degree    map[string]int
	content   map[string]string // optional source text per id, persisted to the <path>.content side-car

	// accessMu guards lastAccess independently of mu so a read-locked Get
	// or Search can still record an access without promoting to a write
	// lock on the vectors/adjacency maps themselves.
	accessMu   sync.Mutex
	lastAccess map[string]time.Time

	hubMu  sync.RWMutex
	hubIDs []string
	hub    *ristretto.Cache[string, hubEntry]

	hits, misses, prunedEdges atomic.Uint64
}

// NewLEANNIndex creates an empty LEANN index for cfg.
func NewLEANNIndex(cfg Config) (*LEANNIndex, error) {
	leannCfg := cfg.LEANN
	if leannCfg.SmallNThreshold == 0 {
		leannCfg = DefaultLEANNConfig()
	}
	hub, err := ristretto.NewCache(&ristretto.Config[string, hubEntry]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, memerr.New(memerr.KindPersistence, "vector.NewLEANNIndex", err)
	}
	return &LEANNIndex{
		cfg: cfg, leann: leannCfg,
		vectors: make(map[string][]float32), adjacency: make(map[string][]string),
		degree: make(map[string]int), content: make(map[string]string),
		lastAccess: make(map[string]time.Time), hub: hub,
	}, nil
}

func (l *LEANNIndex) Backend() Backend { return BackendLEANN }

func (l *LEANNIndex) validate(op string, v []float32) error {
	if len(v) != l.cfg.Dim {
		return memerr.New(memerr.KindValidation, op, errDimensionMismatch).
			With("expected", l.cfg.Dim).With("actual", len(v))
	}
	if !IsFinite(v) {
		return memerr.New(memerr.KindValidation, op, errNotFinite)
	}
	if RequiresNormalization(l.cfg.Metric) && !IsNormalized(v) {
		return memerr.New(memerr.KindValidation, op, errNotNormalized)
	}
	return nil
}

func (l *LEANNIndex) dist(a, b []float32) float64 { return Distance(l.cfg.Metric, a, b) }

// touchAccess records id as just-accessed, for RecomputeColdVectors's
// least-recently-used ordering over non-hub vectors.
func (l *LEANNIndex) touchAccess(id string) {
	l.accessMu.Lock()
	l.lastAccess[id] = time.Now()
	l.accessMu.Unlock()
}

// SetContent attaches the source text id was embedded from, persisted
// alongside the vector/adjacency snapshot in the <path>.content side-car.
func (l *LEANNIndex) SetContent(id, text string) {
	l.mu.Lock()
	l.content[id] = text
	l.mu.Unlock()
}

// Content returns the source text previously attached to id via SetContent.
func (l *LEANNIndex) Content(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	text, ok := l.content[id]
	return text, ok
}

// Insert adds v under id, links it to its M nearest existing neighbors, and
// re-prunes both sides down to the configured pruning ratio.
func (l *LEANNIndex) Insert(id string, v []float32) error {
	if err := l.validate("vector.Insert", v); err != nil {
		return err
	}
	vec := make([]float32, len(v))
	copy(vec, v)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.vectors[id]; exists {
		l.removeLocked(id)
	}
	l.vectors[id] = vec
	l.adjacency[id] = nil
	l.degree[id] = 0
	l.touchAccess(id)

	cap := l.cfg.M
	type cand struct {
		id   string
		dist float64
	}
	cands := make([]cand, 0, len(l.vectors))
	for oid, ov := range l.vectors {
		if oid == id {
			continue
		}
		cands = append(cands, cand{oid, l.dist(vec, ov)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > cap {
		cands = cands[:cap]
	}

	for _, c := range cands {
		l.adjacency[id] = append(l.adjacency[id], c.id)
		l.degree[id]++
		l.adjacency[c.id] = append(l.adjacency[c.id], id)
		l.degree[c.id]++
	}

	l.pruneLocked(id)
	for _, c := range cands {
		l.pruneLocked(c.id)
	}
	return nil
}

// pruneLocked keeps up to graphPruningRatio*M outgoing edges for id,
// preferring hub neighbors and shorter distance, ties broken by descending
// neighbor degree.
func (l *LEANNIndex) pruneLocked(id string) {
	limit := int(float64(l.cfg.M) * l.leann.GraphPruningRatio)
	if limit <= 0 {
		limit = l.cfg.M
	}
	neighbors := l.adjacency[id]
	if len(neighbors) <= limit {
		return
	}
	vec := l.vectors[id]

	type scored struct {
		id       string
		isHub    bool
		dist     float64
		degree   int
	}
	items := make([]scored, len(neighbors))
	for i, nid := range neighbors {
		items[i] = scored{id: nid, isHub: l.isHubLocked(nid), dist: l.dist(vec, l.vectors[nid]), degree: l.degree[nid]}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].isHub != items[j].isHub {
			return items[i].isHub
		}
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		return items[i].degree > items[j].degree
	})

	l.prunedEdges.Add(uint64(len(items) - limit))
	kept := make([]string, limit)
	for i := 0; i < limit; i++ {
		kept[i] = items[i].id
	}
	l.adjacency[id] = kept
}

func (l *LEANNIndex) isHubLocked(id string) bool {
	l.hubMu.RLock()
	defer l.hubMu.RUnlock()
	for _, h := range l.hubIDs {
		if h == id {
			return true
		}
	}
	return false
}

// RebuildHubCache recomputes the hub set: the top HubCacheRatio fraction of
// nodes by degree, provided degree >= HubDegreeThreshold.
func (l *LEANNIndex) RebuildHubCache() {
	l.mu.RLock()
	type dn struct {
		id     string
		degree int
	}
	all := make([]dn, 0, len(l.degree))
	for id, d := range l.degree {
		if d >= l.leann.HubDegreeThreshold {
			all = append(all, dn{id, d})
		}
	}
	vectors := l.vectors
	l.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].degree > all[j].degree })
	n := int(float64(len(all)) * l.leann.HubCacheRatio)
	if n < 1 && len(all) > 0 {
		n = 1
	}
	if n > len(all) {
		n = len(all)
	}
	hubs := all[:n]

	ids := make([]string, 0, len(hubs))
	for _, h := range hubs {
		ids = append(ids, h.id)
		l.hub.SetWithTTL(h.id, hubEntry{vector: vectors[h.id], lastAccess: time.Now()}, 1, 0)
	}
	l.hub.Wait()

	l.hubMu.Lock()
	l.hubIDs = ids
	l.hubMu.Unlock()
}

func (l *LEANNIndex) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(id)
}

func (l *LEANNIndex) removeLocked(id string) bool {
	if _, ok := l.vectors[id]; !ok {
		return false
	}
	for _, nid := range l.adjacency[id] {
		kept := l.adjacency[nid][:0:0]
		for _, x := range l.adjacency[nid] {
			if x != id {
				kept = append(kept, x)
			}
		}
		l.adjacency[nid] = kept
		l.degree[nid] = len(kept)
	}
	delete(l.vectors, id)
	delete(l.adjacency, id)
	delete(l.degree, id)
	delete(l.content, id)
	l.hub.Del(id)
	l.accessMu.Lock()
	delete(l.lastAccess, id)
	l.accessMu.Unlock()
	return true
}

func (l *LEANNIndex) Get(id string) ([]float32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vectors[id]
	if !ok {
		return nil, false
	}
	l.touchAccess(id)
	cp := make([]float32, len(v))
	copy(cp, v)
	return cp, true
}

func (l *LEANNIndex) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.vectors[id]
	return ok
}

func (l *LEANNIndex) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vectors)
}

func (l *LEANNIndex) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vectors = make(map[string][]float32)
	l.adjacency = make(map[string][]string)
	l.degree = make(map[string]int)
	l.content = make(map[string]string)
	l.hub.Clear()
	l.hubMu.Lock()
	l.hubIDs = nil
	l.hubMu.Unlock()
	l.accessMu.Lock()
	l.lastAccess = make(map[string]time.Time)
	l.accessMu.Unlock()
}

func (l *LEANNIndex) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	return l.SearchWithVectors(ctx, query, k, false)
}

func (l *LEANNIndex) SearchWithVectors(ctx context.Context, query []float32, k int, includeVec bool) ([]SearchResult, error) {
	if err := l.validate("vector.Search", query); err != nil {
		return nil, err
	}

	l.mu.RLock()
	n := len(l.vectors)
	l.mu.RUnlock()

	if n < l.leann.SmallNThreshold {
		return l.bruteForceSearch(ctx, query, k, includeVec)
	}

	seedWidth := k
	if half := l.cfg.EfSearch / 2; half > seedWidth {
		seedWidth = half
	}
	seeds := l.scanHubCache(query, seedWidth)

	l.mu.RLock()
	defer l.mu.RUnlock()

	visited := make(map[string]bool)
	candidates := &hnswDistHeap{}
	results := &hnswDistHeap{}
	heap.Init(candidates)
	heap.Init(results)

	for _, s := range seeds {
		if visited[s.id] {
			continue
		}
		visited[s.id] = true
		heap.Push(candidates, hnswDistItem{id: s.id, dist: s.dist, isMax: false})
		heap.Push(results, hnswDistItem{id: s.id, dist: s.dist, isMax: true})
	}

	ef := l.cfg.EfSearch
	if ef < k {
		ef = k
	}
	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)
		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}
		for _, nid := range l.adjacency[closest.id] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			d := l.dist(query, l.vectors[nid])
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{id: nid, dist: d, isMax: false})
				heap.Push(results, hnswDistItem{id: nid, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(hnswDistItem)
		out[i] = SearchResult{ID: item.id, Distance: item.dist, Similarity: SimilarityFromDistance(l.cfg.Metric, item.dist)}
		if includeVec {
			v := l.vectors[item.id]
			cp := make([]float32, len(v))
			copy(cp, v)
			out[i].Vector = cp
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	for _, r := range out {
		l.touchAccess(r.ID)
	}
	return out, nil
}

func (l *LEANNIndex) bruteForceSearch(ctx context.Context, query []float32, k int, includeVec bool) ([]SearchResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SearchResult, 0, len(l.vectors))
	for id, v := range l.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		d := l.dist(query, v)
		sr := SearchResult{ID: id, Distance: d, Similarity: SimilarityFromDistance(l.cfg.Metric, d)}
		if includeVec {
			cp := make([]float32, len(v))
			copy(cp, v)
			sr.Vector = cp
		}
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	for _, r := range out {
		l.touchAccess(r.ID)
	}
	return out, nil
}

type hubCand struct {
	id   string
	dist float64
}

func (l *LEANNIndex) scanHubCache(query []float32, width int) []hubCand {
	l.hubMu.RLock()
	ids := append([]string(nil), l.hubIDs...)
	l.hubMu.RUnlock()

	out := make([]hubCand, 0, len(ids))
	for _, id := range ids {
		entry, ok := l.hub.Get(id)
		if !ok {
			l.misses.Add(1)
			continue
		}
		l.hits.Add(1)
		out = append(out, hubCand{id: id, dist: l.dist(query, entry.vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	if len(out) > width {
		out = out[:width]
	}
	return out
}

// EmbeddingRegenerator produces a fresh embedding for id, used by
// RecomputeColdVectors to refresh least-recently-used non-hub vectors.
type EmbeddingRegenerator func(id string) ([]float32, error)

// RecomputeColdVectors regenerates up to max least-recently-used non-hub
// vectors via regen, bounded by leann.MaxRecomputeLatencyMs.
func (l *LEANNIndex) RecomputeColdVectors(max int, regen EmbeddingRegenerator) (int, error) {
	deadline := time.Now().Add(time.Duration(l.leann.MaxRecomputeLatencyMs) * time.Millisecond)

	l.mu.RLock()
	l.hubMu.RLock()
	hubSet := make(map[string]bool, len(l.hubIDs))
	for _, id := range l.hubIDs {
		hubSet[id] = true
	}
	candidates := make([]string, 0, len(l.vectors))
	for id := range l.vectors {
		if !hubSet[id] {
			candidates = append(candidates, id)
		}
	}
	l.hubMu.RUnlock()
	l.mu.RUnlock()

	l.accessMu.Lock()
	lastAccess := make(map[string]time.Time, len(candidates))
	for _, id := range candidates {
		lastAccess[id] = l.lastAccess[id] // zero value for never-accessed ids sorts first
	}
	l.accessMu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := lastAccess[candidates[i]], lastAccess[candidates[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i] < candidates[j]
	})
	updated := 0
	for _, id := range candidates {
		if updated >= max || time.Now().After(deadline) {
			break
		}
		v, err := regen(id)
		if err != nil {
			return updated, memerr.New(memerr.KindPersistence, "vector.RecomputeColdVectors", err)
		}
		if err := l.Insert(id, v); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (l *LEANNIndex) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Count: len(l.vectors), Dim: l.cfg.Dim, Metric: l.cfg.Metric, Backend: BackendLEANN,
		HubCacheHits: l.hits.Load(), HubCacheMisses: l.misses.Load(), PrunedEdges: l.prunedEdges.Load(),
	}
}

type leannSnapshot struct {
	Dim       int                  `json:"dim"`
	Metric    Metric               `json:"metric"`
	Vectors   map[string][]float32 `json:"vectors"`
	Adjacency map[string][]string  `json:"adjacency"`
}

// contentPath returns the SPEC_FULL §6 "<path>.content" side-car path for a
// LEANN persistence file at path.
func contentPath(path string) string { return path + ".content" }

func (l *LEANNIndex) Save(path string) error {
	l.mu.RLock()
	snap := leannSnapshot{Dim: l.cfg.Dim, Metric: l.cfg.Metric, Vectors: l.vectors, Adjacency: l.adjacency}
	content := l.content
	data, err := json.Marshal(snap)
	l.mu.RUnlock()
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return err
	}

	contentData, err := json.Marshal(content)
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	return atomicWriteFile(contentPath(path), contentData)
}

func (l *LEANNIndex) Load(path string) (bool, error) {
	data, err := readFileOrAbsent(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	var snap leannSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	if snap.Dim != l.cfg.Dim || snap.Metric != l.cfg.Metric {
		return false, memerr.Newf(memerr.KindPersistence, "vector.Load",
			"snapshot dim/metric %d/%s does not match index %d/%s", snap.Dim, snap.Metric, l.cfg.Dim, l.cfg.Metric)
	}

	content := make(map[string]string)
	contentData, err := readFileOrAbsent(contentPath(path))
	if err != nil {
		return false, err
	}
	if contentData != nil {
		if err := json.Unmarshal(contentData, &content); err != nil {
			return false, memerr.New(memerr.KindPersistence, "vector.Load", err)
		}
	}

	degree := make(map[string]int, len(snap.Adjacency))
	for id, adj := range snap.Adjacency {
		degree[id] = len(adj)
	}

	l.mu.Lock()
	l.vectors = snap.Vectors
	l.adjacency = snap.Adjacency
	l.degree = degree
	l.content = content
	l.mu.Unlock()

	l.RebuildHubCache()
	return true, nil
}
