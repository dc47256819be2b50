package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orneryd/nornicmem/pkg/episode"
	"github.com/orneryd/nornicmem/pkg/fusion"
	"github.com/orneryd/nornicmem/pkg/hypergraph"
	"github.com/orneryd/nornicmem/pkg/memerr"
	"github.com/orneryd/nornicmem/pkg/pattern"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// decodeParams unmarshals raw into v, raising a validation MemError (mapped
// to -32602 by the registry) on malformed params. Absent params leave v at
// its zero value; no field is checked for presence here.
func decodeParams(op string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return memerr.New(memerr.KindValidation, op, fmt.Errorf("invalid params: %w", err))
	}
	return nil
}

// RegisterEpisodeService wires pkg/episode's Store into the registry's
// "episode" service per SPEC_FULL §6.
func RegisterEpisodeService(r *Registry, store *episode.Store) {
	r.Register(&Service{Name: "episode", Methods: map[string]Handler{
		"create": func(raw json.RawMessage) (any, error) {
			var opts episode.CreateOpts
			if err := decodeParams("episode.create", raw, &opts); err != nil {
				return nil, err
			}
			id, err := store.CreateEpisode(context.Background(), opts)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": id}, nil
		},
		"get": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("episode.get", raw, &p); err != nil {
				return nil, err
			}
			ep, ok, err := store.GetByID(p.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, memerr.Newf(memerr.KindNotFound, "episode.get", "episode %q not found", p.ID)
			}
			return ep, nil
		},
		"query": func(raw json.RawMessage) (any, error) {
			var q episode.TimeRangeQuery
			if err := decodeParams("episode.query", raw, &q); err != nil {
				return nil, err
			}
			return store.QueryByTimeRange(q)
		},
		"link": func(raw json.RawMessage) (any, error) {
			var p struct {
				Source string           `json:"source"`
				Target string           `json:"target"`
				Type   episode.LinkType `json:"type"`
			}
			if err := decodeParams("episode.link", raw, &p); err != nil {
				return nil, err
			}
			if err := store.LinkEpisodes(p.Source, p.Target, p.Type); err != nil {
				return nil, err
			}
			return map[string]any{"linked": true}, nil
		},
		"getLinks": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("episode.getLinks", raw, &p); err != nil {
				return nil, err
			}
			out, in := store.GetLinks(p.ID)
			return map[string]any{"outgoing": out, "incoming": in}, nil
		},
		"update": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID    string               `json:"id"`
				Patch episode.UpdatePatch  `json:"patch"`
			}
			if err := decodeParams("episode.update", raw, &p); err != nil {
				return nil, err
			}
			if err := store.Update(p.ID, p.Patch); err != nil {
				return nil, err
			}
			return map[string]any{"updated": true}, nil
		},
		"delete": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("episode.delete", raw, &p); err != nil {
				return nil, err
			}
			if err := store.Delete(p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		},
		"stats": func(json.RawMessage) (any, error) {
			return store.GetStats(), nil
		},
		"save": func(raw json.RawMessage) (any, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := decodeParams("episode.save", raw, &p); err != nil {
				return nil, err
			}
			if err := store.Save(p.Path); err != nil {
				return nil, err
			}
			return map[string]any{"saved": true}, nil
		},
	}})
}

// RegisterHyperedgeService wires pkg/hypergraph's Store into the registry's
// "hyperedge" service per SPEC_FULL §6.
func RegisterHyperedgeService(r *Registry, store *hypergraph.Store) {
	r.Register(&Service{Name: "hyperedge", Methods: map[string]Handler{
		"create": func(raw json.RawMessage) (any, error) {
			var opts hypergraph.CreateHyperedgeOpts
			if err := decodeParams("hyperedge.create", raw, &opts); err != nil {
				return nil, err
			}
			opts.ExpiresAt = nil
			return store.CreateHyperedge(opts)
		},
		"createTemporal": func(raw json.RawMessage) (any, error) {
			var opts hypergraph.CreateHyperedgeOpts
			if err := decodeParams("hyperedge.createTemporal", raw, &opts); err != nil {
				return nil, err
			}
			if opts.ExpiresAt == nil {
				return nil, memerr.New(memerr.KindValidation, "hyperedge.createTemporal", fmt.Errorf("expiresAt is required"))
			}
			return store.CreateHyperedge(opts)
		},
		"get": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("hyperedge.get", raw, &p); err != nil {
				return nil, err
			}
			h, ok := store.GetHyperedge(p.ID)
			if !ok {
				return nil, memerr.Newf(memerr.KindNotFound, "hyperedge.get", "hyperedge %q not found", p.ID)
			}
			return h, nil
		},
		"query": func(raw json.RawMessage) (any, error) {
			var p struct {
				NodeID         string `json:"nodeId"`
				IncludeExpired bool   `json:"includeExpired"`
			}
			if err := decodeParams("hyperedge.query", raw, &p); err != nil {
				return nil, err
			}
			return store.QueryHyperedges(p.NodeID, p.IncludeExpired, time.Now()), nil
		},
		"expand": func(raw json.RawMessage) (any, error) {
			var p struct {
				NodeID string `json:"nodeId"`
			}
			if err := decodeParams("hyperedge.expand", raw, &p); err != nil {
				return nil, err
			}
			edges, hyperedges := store.EdgesByNode(p.NodeID)
			return map[string]any{"edges": edges, "hyperedges": hyperedges}, nil
		},
		"stats": func(json.RawMessage) (any, error) {
			report := store.Integrity(time.Now())
			return map[string]any{
				"totalNodes":      report.TotalNodes,
				"totalEdges":      report.TotalEdges,
				"totalHyperedges": report.TotalHyperedges,
			}, nil
		},
	}})
}

// RegisterGraphService wires pkg/hypergraph's node/edge surface into the
// registry's "graph" service per SPEC_FULL §6.
func RegisterGraphService(r *Registry, store *hypergraph.Store) {
	r.Register(&Service{Name: "graph", Methods: map[string]Handler{
		"addNode": func(raw json.RawMessage) (any, error) {
			var opts hypergraph.CreateNodeOpts
			if err := decodeParams("graph.addNode", raw, &opts); err != nil {
				return nil, err
			}
			return store.CreateNode(opts)
		},
		"getNode": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("graph.getNode", raw, &p); err != nil {
				return nil, err
			}
			n, ok := store.GetNode(p.ID)
			if !ok {
				return nil, memerr.Newf(memerr.KindNotFound, "graph.getNode", "node %q not found", p.ID)
			}
			return n, nil
		},
		"addEdge": func(raw json.RawMessage) (any, error) {
			var p struct {
				Source   string         `json:"source"`
				Target   string         `json:"target"`
				Type     string         `json:"type"`
				Weight   *float64       `json:"weight,omitempty"`
				Metadata map[string]any `json:"metadata,omitempty"`
			}
			if err := decodeParams("graph.addEdge", raw, &p); err != nil {
				return nil, err
			}
			return store.CreateEdge(p.Source, p.Target, p.Type, p.Weight, p.Metadata)
		},
		"query": func(raw json.RawMessage) (any, error) {
			var q hypergraph.EdgeQuery
			if err := decodeParams("graph.query", raw, &q); err != nil {
				return nil, err
			}
			return store.QueryEdges(q), nil
		},
		"traverse": func(raw json.RawMessage) (any, error) {
			var p struct {
				StartNodeID string `json:"startNodeId"`
				MaxDepth    int    `json:"maxDepth"`
			}
			if err := decodeParams("graph.traverse", raw, &p); err != nil {
				return nil, err
			}
			return store.Traverse(p.StartNodeID, p.MaxDepth), nil
		},
	}})
}

// RegisterVectorService wires a vector.Index into the registry's "vector"
// service per SPEC_FULL §6.
func RegisterVectorService(r *Registry, idx vector.Index) {
	r.Register(&Service{Name: "vector", Methods: map[string]Handler{
		"add": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID     string    `json:"id"`
				Vector []float32 `json:"vector"`
			}
			if err := decodeParams("vector.add", raw, &p); err != nil {
				return nil, err
			}
			if err := idx.Insert(p.ID, p.Vector); err != nil {
				return nil, err
			}
			return map[string]any{"added": true}, nil
		},
		"search": func(raw json.RawMessage) (any, error) {
			var p struct {
				Vector []float32 `json:"vector"`
				K      int       `json:"k"`
			}
			if err := decodeParams("vector.search", raw, &p); err != nil {
				return nil, err
			}
			return idx.Search(context.Background(), p.Vector, p.K)
		},
		"get": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("vector.get", raw, &p); err != nil {
				return nil, err
			}
			v, ok := idx.Get(p.ID)
			if !ok {
				return nil, memerr.Newf(memerr.KindNotFound, "vector.get", "vector %q not found", p.ID)
			}
			return map[string]any{"vector": v}, nil
		},
		"delete": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("vector.delete", raw, &p); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": idx.Remove(p.ID)}, nil
		},
		"stats": func(json.RawMessage) (any, error) {
			return idx.Stats(), nil
		},
	}})
}

// RegisterSearchService wires a fusion.Engine into the registry's "search"
// service per SPEC_FULL §6.
func RegisterSearchService(r *Registry, engine *fusion.Engine) {
	r.Register(&Service{Name: "search", Methods: map[string]Handler{
		"query": func(raw json.RawMessage) (any, error) {
			var p struct {
				CorrelationID string       `json:"correlationId"`
				Query         fusion.Query `json:"query"`
			}
			if err := decodeParams("search.query", raw, &p); err != nil {
				return nil, err
			}
			return engine.Search(context.Background(), p.CorrelationID, p.Query)
		},
		"updateWeights": func(raw json.RawMessage) (any, error) {
			var w fusion.Weights
			if err := decodeParams("search.updateWeights", raw, &w); err != nil {
				return nil, err
			}
			engine.UpdateWeights(w)
			return map[string]any{"updated": true}, nil
		},
	}})
}

// RegisterPatternService wires pkg/pattern's Store into the registry's
// "pattern" service per SPEC_FULL §6.
func RegisterPatternService(r *Registry, store *pattern.Store) {
	r.Register(&Service{Name: "pattern", Methods: map[string]Handler{
		"insert": func(raw json.RawMessage) (any, error) {
			var p pattern.Pattern
			if err := decodeParams("pattern.insert", raw, &p); err != nil {
				return nil, err
			}
			return store.Insert(p)
		},
		"find": func(raw json.RawMessage) (any, error) {
			var p struct {
				TaskType string `json:"taskType"`
			}
			if err := decodeParams("pattern.find", raw, &p); err != nil {
				return nil, err
			}
			return store.FindByTaskType(p.TaskType)
		},
		"findActive": func(json.RawMessage) (any, error) {
			return store.FindActive()
		},
		"updateWeight": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID     string  `json:"id"`
				Weight float64 `json:"weight"`
			}
			if err := decodeParams("pattern.updateWeight", raw, &p); err != nil {
				return nil, err
			}
			if err := store.UpdateWeight(p.ID, p.Weight); err != nil {
				return nil, err
			}
			return map[string]any{"updated": true}, nil
		},
		"incrementSuccess": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("pattern.incrementSuccess", raw, &p); err != nil {
				return nil, err
			}
			if err := store.IncrementSuccess(p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"updated": true}, nil
		},
		"incrementFailure": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("pattern.incrementFailure", raw, &p); err != nil {
				return nil, err
			}
			if err := store.IncrementFailure(p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"updated": true}, nil
		},
		"deprecate": func(raw json.RawMessage) (any, error) {
			var p struct {
				ID string `json:"id"`
			}
			if err := decodeParams("pattern.deprecate", raw, &p); err != nil {
				return nil, err
			}
			if err := store.Deprecate(p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deprecated": true}, nil
		},
		"stats": func(json.RawMessage) (any, error) {
			return store.GetStats()
		},
	}})
}
