package hypergraph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// Store is the Hypergraph Store: in-memory nodes/edges/hyperedges with
// non-orphan and referential-integrity invariants enforced on write.
type Store struct {
	mu sync.RWMutex

	nodes      map[string]Node
	edges      map[string]Edge
	hyperedges map[string]Hyperedge

	rootNamespace string
	rootNodeID    string
	seeded        bool

	// edgeRefs tracks, per node id, every edge/hyperedge id that
	// references it, so integrity checks don't rescan.
	edgeRefs map[string]map[string]bool

	now func() time.Time
}

// New creates an empty Store. The first CreateNode call seeds the graph
// root from that node's namespace.
func New() *Store {
	return &Store{
		nodes: make(map[string]Node), edges: make(map[string]Edge), hyperedges: make(map[string]Hyperedge),
		edgeRefs: make(map[string]map[string]bool), now: time.Now,
	}
}

// CreateNodeOpts parameterizes CreateNode.
type CreateNodeOpts struct {
	Key       string
	Namespace string
	VectorID  string
	Metadata  map[string]any
	// LinkTo, if set, creates an edge of type LinkType from the new node
	// to an existing node id in the same call, satisfying the non-orphan
	// invariant for a node outside the root namespace.
	LinkTo   string
	LinkType string
}

// CreateNode creates a node. The first node ever created seeds the graph
// root namespace unconditionally. Any later node must either fall in the
// root namespace or supply LinkTo naming an existing node; otherwise the
// call fails non-orphan.
func (s *Store) CreateNode(opts CreateNodeOpts) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		s.seeded = true
		s.rootNamespace = opts.Namespace
	} else if opts.Namespace != s.rootNamespace {
		if opts.LinkTo == "" {
			return Node{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateNode",
				"node in namespace %q is not in the root namespace %q and has no LinkTo", opts.Namespace, s.rootNamespace)
		}
		if _, ok := s.nodes[opts.LinkTo]; !ok {
			return Node{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateNode",
				"LinkTo target %q does not exist", opts.LinkTo)
		}
	}

	now := s.now()
	n := Node{
		ID: uuid.NewString(), Key: opts.Key, Namespace: opts.Namespace, VectorID: opts.VectorID,
		Metadata: opts.Metadata, CreatedAt: now, UpdatedAt: now,
	}
	s.nodes[n.ID] = n
	if s.rootNodeID == "" {
		s.rootNodeID = n.ID
	}

	if opts.LinkTo != "" {
		edgeType := opts.LinkType
		if edgeType == "" {
			edgeType = "related"
		}
		e := Edge{ID: uuid.NewString(), Source: n.ID, Target: opts.LinkTo, Type: edgeType}
		s.edges[e.ID] = e
		s.linkEdgeRefs(e.ID, e.Source, e.Target)
	}
	return n, nil
}

func (s *Store) linkEdgeRefs(refID string, nodeIDs ...string) {
	for _, id := range nodeIDs {
		if s.edgeRefs[id] == nil {
			s.edgeRefs[id] = make(map[string]bool)
		}
		s.edgeRefs[id][refID] = true
	}
}

// CreateEdge creates a binary edge. Both endpoints must already exist.
func (s *Store) CreateEdge(source, target, edgeType string, weight *float64, metadata map[string]any) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[source]; !ok {
		return Edge{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateEdge", "source node %q does not exist", source)
	}
	if _, ok := s.nodes[target]; !ok {
		return Edge{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateEdge", "target node %q does not exist", target)
	}

	e := Edge{ID: uuid.NewString(), Source: source, Target: target, Type: edgeType, Weight: weight, Metadata: metadata}
	s.edges[e.ID] = e
	s.linkEdgeRefs(e.ID, source, target)
	return e, nil
}

// CreateHyperedgeOpts parameterizes CreateHyperedge.
type CreateHyperedgeOpts struct {
	Nodes       []string
	Type        string
	Metadata    map[string]any
	ExpiresAt   *time.Time
	Granularity Granularity
}

// CreateHyperedge creates an n-ary relation (n>=3). Every referenced node
// must exist. A non-nil ExpiresAt produces a temporal hyperedge.
func (s *Store) CreateHyperedge(opts CreateHyperedgeOpts) (Hyperedge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	distinct := dedupStrings(opts.Nodes)
	if len(distinct) < 3 {
		return Hyperedge{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateHyperedge",
			"hyperedge requires >= 3 distinct nodes, got %d", len(distinct))
	}
	for _, id := range distinct {
		if _, ok := s.nodes[id]; !ok {
			return Hyperedge{}, memerr.Newf(memerr.KindValidation, "hypergraph.CreateHyperedge", "node %q does not exist", id)
		}
	}

	h := Hyperedge{
		ID: uuid.NewString(), Nodes: distinct, Type: opts.Type, Metadata: opts.Metadata,
		CreatedAt: s.now(), ExpiresAt: opts.ExpiresAt, Granularity: opts.Granularity,
	}
	s.hyperedges[h.ID] = h
	s.linkEdgeRefs(h.ID, distinct...)
	return h, nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Store) GetEdge(id string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	return e, ok
}

func (s *Store) GetHyperedge(id string) (Hyperedge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hyperedges[id]
	return h, ok
}

// NodesByNamespace returns every node in namespace, ordered by id for
// deterministic output.
func (s *Store) NodesByNamespace(namespace string) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0)
	for _, n := range s.nodes {
		if n.Namespace == namespace {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllNodes returns every node in the store, ordered by id for deterministic
// output. Used by the Quad-Fusion Graph source to rebuild its searchable
// text index (SPEC_FULL §4.6).
func (s *Store) AllNodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgesByNode returns every edge and hyperedge referencing nodeID.
func (s *Store) EdgesByNode(nodeID string) ([]Edge, []Hyperedge) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.edgeRefs[nodeID]
	edges := make([]Edge, 0)
	hyperedges := make([]Hyperedge, 0)
	for id := range refs {
		if e, ok := s.edges[id]; ok {
			edges = append(edges, e)
		}
		if h, ok := s.hyperedges[id]; ok {
			hyperedges = append(hyperedges, h)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	sort.Slice(hyperedges, func(i, j int) bool { return hyperedges[i].ID < hyperedges[j].ID })
	return edges, hyperedges
}

// QueryEdges filters edges by optional NodeID and Type.
func (s *Store) QueryEdges(q EdgeQuery) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0)
	for _, e := range s.edges {
		if q.NodeID != "" && e.Source != q.NodeID && e.Target != q.NodeID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Traverse performs a breadth-first multi-hop walk from startNodeID, bounded
// by maxDepth, following both binary edges and hyperedges. Returns node ids
// in BFS discovery order (startNodeID first).
func (s *Store) Traverse(startNodeID string, maxDepth int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[startNodeID]; !ok {
		return nil
	}

	visited := map[string]bool{startNodeID: true}
	order := []string{startNodeID}
	frontier := []string{startNodeID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0)
		for _, id := range frontier {
			for refID := range s.edgeRefs[id] {
				for _, neighbor := range s.neighborsOf(refID, id) {
					if !visited[neighbor] {
						visited[neighbor] = true
						order = append(order, neighbor)
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}
	return order
}

func (s *Store) neighborsOf(refID, exclude string) []string {
	if e, ok := s.edges[refID]; ok {
		if e.Source == exclude {
			return []string{e.Target}
		}
		return []string{e.Source}
	}
	if h, ok := s.hyperedges[refID]; ok {
		out := make([]string, 0, len(h.Nodes)-1)
		for _, id := range h.Nodes {
			if id != exclude {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

// Integrity computes an on-demand integrity report. now is the reference
// time for expiry; pass time.Now() in production, a fixed time in tests.
func (s *Store) Integrity(now time.Time) IntegrityReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := IntegrityReport{TotalNodes: len(s.nodes), TotalEdges: len(s.edges), TotalHyperedges: len(s.hyperedges)}

	for id := range s.nodes {
		if id == s.rootNodeID {
			continue
		}
		if len(s.edgeRefs[id]) == 0 {
			report.OrphanNodes = append(report.OrphanNodes, id)
		}
	}
	for id, e := range s.edges {
		if _, ok := s.nodes[e.Source]; !ok {
			report.DanglingEdgeRefs = append(report.DanglingEdgeRefs, id)
			continue
		}
		if _, ok := s.nodes[e.Target]; !ok {
			report.DanglingEdgeRefs = append(report.DanglingEdgeRefs, id)
		}
	}
	for id, h := range s.hyperedges {
		for _, nid := range h.Nodes {
			if _, ok := s.nodes[nid]; !ok {
				report.DanglingHyperedgeRefs = append(report.DanglingHyperedgeRefs, id)
				break
			}
		}
		if h.IsExpired(now) {
			report.ExpiredTemporalHyperedges = append(report.ExpiredTemporalHyperedges, id)
		}
	}

	sort.Strings(report.OrphanNodes)
	sort.Strings(report.DanglingEdgeRefs)
	sort.Strings(report.DanglingHyperedgeRefs)
	sort.Strings(report.ExpiredTemporalHyperedges)
	return report
}

// QueryHyperedges returns hyperedges referencing nodeID, filtering expired
// temporal ones unless includeExpired is set.
func (s *Store) QueryHyperedges(nodeID string, includeExpired bool, now time.Time) []Hyperedge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Hyperedge, 0)
	for id := range s.edgeRefs[nodeID] {
		h, ok := s.hyperedges[id]
		if !ok {
			continue
		}
		if !includeExpired && h.IsExpired(now) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
