package fusion

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/nornicmem/pkg/cache"
	"github.com/orneryd/nornicmem/pkg/episode"
	"github.com/orneryd/nornicmem/pkg/hypergraph"
	"github.com/orneryd/nornicmem/pkg/pattern"
	"github.com/orneryd/nornicmem/pkg/pool"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// Engine runs Quad-Fusion Search across the four fixed sources.
type Engine struct {
	cfg     Config
	sources [4]source
	graph   *graphSource

	weightsMu sync.RWMutex
	weights   Weights

	resultCache *cache.QueryCache
}

// NewEngine composes an Engine over the four backing stores. graphStore's
// node index is snapshotted at construction time; call RefreshGraphIndex
// after bulk graph mutations so subsequent searches see new nodes.
func NewEngine(cfg Config, vectorIdx vector.Index, graphStore *hypergraph.Store, patternStore *pattern.Store, episodeStore *episode.Store) *Engine {
	g := newGraphSource(graphStore)
	e := &Engine{
		cfg: cfg,
		sources: [4]source{
			vectorSource{idx: vectorIdx},
			g,
			newPatternSource(patternStore, cfg.MinPatternConfidence),
			episodicSource{store: episodeStore},
		},
		graph:   g,
		weights: cfg.Weights,
	}
	if cfg.ResultCacheSize > 0 {
		e.resultCache = cache.NewQueryCache(cfg.ResultCacheSize, cfg.ResultCacheTTL)
	}
	return e
}

// RefreshGraphIndex re-derives the Graph source's searchable text from the
// current contents of its backing hypergraph.Store.
func (e *Engine) RefreshGraphIndex() { e.graph.RefreshIndex() }

// UpdateWeights replaces the per-source fusion weights used by every
// subsequent Search call (SPEC_FULL §6 search.updateWeights).
func (e *Engine) UpdateWeights(w Weights) {
	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()
	e.weights = w
}

func (e *Engine) currentWeights() Weights {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	return e.weights
}

// Search fans out q to all four sources concurrently, waits for all to
// settle, and returns the fused, weighted, sorted top-K. A source error or
// timeout never fails the call; it contributes zero and is recorded in
// Metadata.Sources (SPEC_FULL §4.6).
func (e *Engine) Search(ctx context.Context, correlationID string, q Query) (*Result, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if q.TopK <= 0 {
		q.TopK = e.cfg.TopK
	}
	timeout := e.cfg.PerSourceTimeout
	if timeout <= 0 {
		timeout = DefaultPerSourceTimeout
	}

	var cacheKey uint64
	if e.resultCache != nil {
		cacheKey = e.resultCache.Key(e.cacheKeyText(q), nil)
		if cached, ok := e.resultCache.Get(cacheKey); ok {
			if res, ok := cached.(*Result); ok {
				cp := *res
				cp.Metadata.CorrelationID = correlationID
				return &cp, nil
			}
		}
	}

	start := time.Now()
	rawResults := make([][]rawHit, len(e.sources))
	reports := make([]SourceReport, len(e.sources))

	var g errgroup.Group
	for i, src := range e.sources {
		i, src := i, src
		g.Go(func() error {
			sourceStart := time.Now()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			hits, err := src.search(sctx, q)
			elapsed := time.Since(sourceStart).Milliseconds()

			switch {
			case sctx.Err() == context.DeadlineExceeded:
				reports[i] = SourceReport{Status: StatusTimeout, DurationMs: elapsed}
			case err != nil:
				reports[i] = SourceReport{Status: StatusError, DurationMs: elapsed, Error: err.Error()}
			default:
				rawResults[i] = hits
				reports[i] = SourceReport{Status: StatusSuccess, DurationMs: elapsed, ResultCount: len(hits)}
			}
			return nil
		})
	}
	_ = g.Wait()

	fused := e.fuse(rawResults)
	if len(fused) > q.TopK {
		fused = fused[:q.TopK]
	}

	meta := Metadata{
		CorrelationID: correlationID,
		ElapsedMs:     time.Since(start).Milliseconds(),
		Sources:       make(map[SourceName]SourceReport, len(e.sources)),
	}
	for i, src := range e.sources {
		meta.Sources[src.name()] = reports[i]
	}
	result := &Result{Metadata: meta, Results: fused}

	if e.resultCache != nil {
		e.resultCache.Put(cacheKey, result)
	}
	return result, nil
}

// cacheKeyText derives the text hashed into a result-cache key: query text,
// task scope, requested width, and the embedding content, so two queries
// that only differ in embedding values never collide.
func (e *Engine) cacheKeyText(q Query) string {
	b := pool.GetStringBuilder()
	defer pool.PutStringBuilder(b)

	b.WriteString(q.Text)
	b.WriteByte('|')
	b.WriteString(q.TaskID)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.TopK))
	for _, f := range q.Embedding {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	return b.String()
}

// fuse normalizes each source's raw scores into [0,1] via min-max, scales
// by the configured weight, sums contributions sharing a content id, and
// sorts descending (SPEC_FULL §4.6 fusion steps 1-4).
func (e *Engine) fuse(rawResults [][]rawHit) []FusedHit {
	type accum struct {
		score   float64
		sources map[SourceName]bool
	}
	acc := make(map[string]*accum)
	weights := e.currentWeights()

	for i, hits := range rawResults {
		if len(hits) == 0 {
			continue
		}
		name := e.sources[i].name()
		weight := weights.forSource(name)
		normalized := minMaxNormalize(hits)
		for j, h := range hits {
			contribution := normalized[j] * weight
			a, ok := acc[h.ID]
			if !ok {
				a = &accum{sources: make(map[SourceName]bool, 1)}
				acc[h.ID] = a
			}
			a.score += contribution
			a.sources[name] = true
		}
	}

	out := make([]FusedHit, 0, len(acc))
	for id, a := range acc {
		sources := make([]SourceName, 0, len(a.sources))
		for _, n := range allSources {
			if a.sources[n] {
				sources = append(sources, n)
			}
		}
		out = append(out, FusedHit{ID: id, Score: a.score, ContributingSources: sources})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// minMaxNormalize rescales hits' scores into [0,1] within this one source.
// A single hit (or a source where every hit ties) normalizes to 1.0 rather
// than dividing by a zero range.
func minMaxNormalize(hits []rawHit) []float64 {
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	out := make([]float64, len(hits))
	spread := max - min
	for i, h := range hits {
		if spread == 0 {
			out[i] = 1.0
			continue
		}
		out[i] = (h.Score - min) / spread
	}
	return out
}
