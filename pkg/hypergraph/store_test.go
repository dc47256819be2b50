package hypergraph

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstNodeSeedsRootAndLaterSameNamespaceNodesSucceed(t *testing.T) {
	s := New()
	root, err := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	require.NoError(t, err)

	sibling, err := s.CreateNode(CreateNodeOpts{Key: "sibling", Namespace: "system"})
	require.NoError(t, err)
	assert.NotEmpty(t, sibling.ID)
	assert.NotEqual(t, root.ID, sibling.ID)
}

func TestNonRootNamespaceNodeWithoutLinkFailsNonOrphan(t *testing.T) {
	s := New()
	_, err := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	require.NoError(t, err)

	_, err = s.CreateNode(CreateNodeOpts{Key: "orphan", Namespace: "other"})
	assert.Error(t, err)
}

func TestNonRootNamespaceNodeWithLinkSucceedsAndIsConnected(t *testing.T) {
	s := New()
	root, err := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	require.NoError(t, err)

	child, err := s.CreateNode(CreateNodeOpts{Key: "child", Namespace: "task", LinkTo: root.ID, LinkType: "causal"})
	require.NoError(t, err)

	edges, _ := s.EdgesByNode(child.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, root.ID, edges[0].Target)
}

func TestCreateEdgeRequiresExistingNodes(t *testing.T) {
	s := New()
	root, err := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	require.NoError(t, err)

	_, err = s.CreateEdge(root.ID, "missing", "related", nil, nil)
	assert.Error(t, err)
}

func TestHyperedgeRequiresAtLeastThreeDistinctNodes(t *testing.T) {
	s := New()
	root, _ := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	a, _ := s.CreateNode(CreateNodeOpts{Key: "a", Namespace: "system"})

	_, err := s.CreateHyperedge(CreateHyperedgeOpts{Nodes: []string{root.ID, a.ID}, Type: "meeting"})
	assert.Error(t, err)

	b, _ := s.CreateNode(CreateNodeOpts{Key: "b", Namespace: "system"})
	_, err = s.CreateHyperedge(CreateHyperedgeOpts{Nodes: []string{root.ID, a.ID, b.ID}, Type: "meeting"})
	assert.NoError(t, err)
}

func TestTemporalHyperedgeExpiryFilteredByIncludeExpired(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	n1, _ := s.CreateNode(CreateNodeOpts{Key: "n1", Namespace: "system"})
	n2, _ := s.CreateNode(CreateNodeOpts{Key: "n2", Namespace: "system"})
	n3, _ := s.CreateNode(CreateNodeOpts{Key: "n3", Namespace: "system"})

	expiresAt := base.Add(1 * time.Hour)
	h, err := s.CreateHyperedge(CreateHyperedgeOpts{
		Nodes: []string{n1.ID, n2.ID, n3.ID}, Type: "meeting", ExpiresAt: &expiresAt, Granularity: Hourly,
	})
	require.NoError(t, err)

	before := s.QueryHyperedges(n1.ID, false, base.Add(30*time.Minute))
	assert.Len(t, before, 1)

	after := s.QueryHyperedges(n1.ID, false, base.Add(2*time.Hour))
	assert.Len(t, after, 0)

	withExpired := s.QueryHyperedges(n1.ID, true, base.Add(2*time.Hour))
	require.Len(t, withExpired, 1)
	assert.Equal(t, h.ID, withExpired[0].ID)
	assert.True(t, withExpired[0].IsExpired(base.Add(2*time.Hour)))
}

func TestIntegrityReportsOrphansAndDanglingRefs(t *testing.T) {
	s := New()
	root, _ := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	orphan, _ := s.CreateNode(CreateNodeOpts{Key: "orphan", Namespace: "system"})

	report := s.Integrity(time.Now())
	assert.Contains(t, report.OrphanNodes, orphan.ID)
	assert.NotContains(t, report.OrphanNodes, root.ID)
	assert.Equal(t, 2, report.TotalNodes)
}

func TestTraverseBFSRespectsDepthBound(t *testing.T) {
	s := New()
	root, _ := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	a, _ := s.CreateNode(CreateNodeOpts{Key: "a", Namespace: "task", LinkTo: root.ID})
	b, _ := s.CreateNode(CreateNodeOpts{Key: "b", Namespace: "task", LinkTo: a.ID})
	_, _ = s.CreateNode(CreateNodeOpts{Key: "c", Namespace: "task", LinkTo: b.ID})

	depth1 := s.Traverse(root.ID, 1)
	assert.ElementsMatch(t, []string{root.ID, a.ID}, depth1)

	depth2 := s.Traverse(root.ID, 2)
	assert.ElementsMatch(t, []string{root.ID, a.ID, b.ID}, depth2)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	root, _ := s.CreateNode(CreateNodeOpts{Key: "root", Namespace: "system"})
	a, _ := s.CreateNode(CreateNodeOpts{Key: "a", Namespace: "task", LinkTo: root.ID})
	_, err := s.CreateEdge(root.ID, a.ID, "related", nil, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, s.Save(path, time.Second))

	loaded := New()
	ok, err := loaded.Load(path, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.NodeCount(), loaded.NodeCount())

	n, ok := loaded.GetNode(root.ID)
	require.True(t, ok)
	assert.Equal(t, "root", n.Key)
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	s := New()
	ok, err := s.Load(filepath.Join(t.TempDir(), "missing.json"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
