package fusion

import (
	"context"
	"strings"

	"github.com/orneryd/nornicmem/pkg/episode"
	"github.com/orneryd/nornicmem/pkg/hypergraph"
	"github.com/orneryd/nornicmem/pkg/indexing"
	"github.com/orneryd/nornicmem/pkg/pattern"
	"github.com/orneryd/nornicmem/pkg/search"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// source is the common async contract every Quad-Fusion adapter satisfies
// (SPEC_FULL §4.6). Implementations must respect ctx cancellation promptly;
// the orchestrator wraps each call in a per-source context.WithTimeout.
type source interface {
	name() SourceName
	search(ctx context.Context, q Query) ([]rawHit, error)
}

// vectorSource wraps an episode embedding index for k-NN retrieval. Scores
// use SPEC_FULL §3's output-boundary similarity conversion, not the raw
// internal distance.
type vectorSource struct{ idx vector.Index }

func (s vectorSource) name() SourceName { return SourceVector }

func (s vectorSource) search(ctx context.Context, q Query) ([]rawHit, error) {
	if len(q.Embedding) == 0 || s.idx.Count() == 0 {
		return nil, nil
	}
	k := q.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	results, err := s.idx.Search(ctx, q.Embedding, k)
	if err != nil {
		return nil, err
	}
	metric := s.idx.Stats().Metric
	hits := make([]rawHit, len(results))
	for i, r := range results {
		hits[i] = rawHit{ID: r.ID, Score: vector.SimilarityFromDistance(metric, r.Distance)}
	}
	return hits, nil
}

// graphSource scores hypergraph nodes by BM25 keyword match over a
// derived searchable-text representation (key, namespace, metadata
// values), using the same pkg/search.FulltextIndex tokenizer and ranking
// that patternSource uses.
type graphSource struct {
	store *hypergraph.Store
	index *search.FulltextIndex
}

// newGraphSource builds a fulltext index over every node currently in
// store. Callers that mutate store after construction should rebuild via
// RefreshGraphIndex.
func newGraphSource(store *hypergraph.Store) *graphSource {
	g := &graphSource{store: store, index: search.NewFulltextIndex()}
	g.RefreshIndex()
	return g
}

// RefreshIndex re-derives the searchable text for every node in the
// backing store. The hypergraph store has no change-notification hook, so
// callers that add nodes after construction must call this before the next
// search to see them.
func (g *graphSource) RefreshIndex() {
	for _, n := range g.store.AllNodes() {
		g.index.Index(n.ID, nodeSearchableText(n))
	}
}

func nodeSearchableText(n hypergraph.Node) string {
	props := make(map[string]interface{}, len(n.Metadata)+2)
	props["key"] = n.Key
	props["namespace"] = n.Namespace
	for k, v := range n.Metadata {
		props[k] = v
	}
	text := indexing.ExtractSearchableText(props)
	return indexing.SanitizeText(text)
}

func (g *graphSource) name() SourceName { return SourceGraph }

func (g *graphSource) search(ctx context.Context, q Query) ([]rawHit, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	k := q.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	matches := g.index.Search(q.Text, k)
	hits := make([]rawHit, len(matches))
	for i, m := range matches {
		hits[i] = rawHit{ID: m.ID, Score: m.Score}
	}
	return hits, nil
}

// patternSource scores learned patterns by a blend of BM25 keyword match
// over name/context/action/tags and, when the query carries an embedding,
// cosine similarity against the pattern's own embedding; matches below
// MinPatternConfidence never reach fusion.
type patternSource struct {
	store         *pattern.Store
	index         *search.FulltextIndex
	minConfidence float64
}

func newPatternSource(store *pattern.Store, minConfidence float64) *patternSource {
	return &patternSource{store: store, index: search.NewFulltextIndex(), minConfidence: minConfidence}
}

func patternSearchableText(p pattern.Pattern) string {
	text := indexing.ExtractSearchableText(map[string]interface{}{
		"name":    p.Name,
		"context": p.Context,
		"action":  p.Action,
		"tags":    strings.Join(p.Tags, " "),
	})
	return indexing.SanitizeText(text)
}

func (s *patternSource) name() SourceName { return SourcePattern }

func (s *patternSource) search(ctx context.Context, q Query) ([]rawHit, error) {
	active, err := s.store.FindActive()
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	k := q.TopK
	if k <= 0 {
		k = DefaultTopK
	}

	s.index.Clear()
	if strings.TrimSpace(q.Text) != "" {
		for _, p := range active {
			s.index.Index(p.ID, patternSearchableText(p))
		}
	}

	scores := make(map[string]float64)
	if strings.TrimSpace(q.Text) != "" {
		for _, m := range s.index.Search(q.Text, len(active)) {
			scores[m.ID] = m.Score
		}
	}
	if len(q.Embedding) > 0 {
		for _, p := range active {
			if len(p.Embedding) == 0 {
				continue
			}
			sim := vector.CosineSimilarity(q.Embedding, p.Embedding)
			blended := (sim + 1) / 2
			if existing, ok := scores[p.ID]; ok {
				scores[p.ID] = (existing + blended) / 2
			} else {
				scores[p.ID] = blended
			}
		}
	}

	hits := make([]rawHit, 0, len(scores))
	for id, sc := range scores {
		if sc < s.minConfidence {
			continue
		}
		hits = append(hits, rawHit{ID: id, Score: sc})
	}
	if len(hits) > k {
		hits = topNRawHits(hits, k)
	}
	return hits, nil
}

// topNRawHits returns the k highest-scoring hits, insertion-sorted
// descending.
func topNRawHits(hits []rawHit, k int) []rawHit {
	sorted := make([]rawHit, len(hits))
	copy(sorted, hits)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Score > sorted[j-1].Score; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// episodicSource retrieves the direct/temporal/semantic context for a
// task, scoring direct and temporal hits at fixed confidences (they carry
// no natural similarity score of their own) and semantic hits by their
// reported similarity.
type episodicSource struct{ store *episode.Store }

const (
	directEpisodeScore   = 1.0
	temporalEpisodeScore = 0.5
)

func (s episodicSource) name() SourceName { return SourceEpisodic }

func (s episodicSource) search(ctx context.Context, q Query) ([]rawHit, error) {
	if q.TaskID == "" {
		return nil, nil
	}
	c, err := s.store.GetEpisodeContext(ctx, q.TaskID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]rawHit)
	for _, ep := range c.Direct {
		seen[ep.ID] = rawHit{ID: ep.ID, Score: directEpisodeScore}
	}
	for _, ep := range c.Temporal {
		if _, ok := seen[ep.ID]; !ok {
			seen[ep.ID] = rawHit{ID: ep.ID, Score: temporalEpisodeScore}
		}
	}
	for _, h := range c.Semantic {
		if existing, ok := seen[h.Episode.ID]; !ok || h.Similarity > existing.Score {
			seen[h.Episode.ID] = rawHit{ID: h.Episode.ID, Score: h.Similarity}
		}
	}
	hits := make([]rawHit, 0, len(seen))
	for _, h := range seen {
		hits = append(hits, h)
	}
	k := q.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	if len(hits) > k {
		hits = topNRawHits(hits, k)
	}
	return hits, nil
}
