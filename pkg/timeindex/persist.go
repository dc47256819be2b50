package timeindex

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// entrySnapshot mirrors entry with exported fields for JSON round-tripping.
type entrySnapshot struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
}

// nodeSnapshot mirrors node but omits Prev/Next: leaf links are
// reconstructed from sibling order on Load rather than serialized, per
// SPEC_FULL §9's "JSON omits prev/next on write" rule.
type nodeSnapshot struct {
	ID       string            `json:"id"`
	Leaf     bool              `json:"leaf"`
	Keys     []int64           `json:"keys"`
	Children []string          `json:"children,omitempty"`
	Values   [][]entrySnapshot `json:"values,omitempty"`
}

type treeSnapshot struct {
	Order  int                     `json:"order"`
	Root   string                  `json:"root"`
	Height int                     `json:"height"`
	Count  int                     `json:"count"`
	NextID uint64                  `json:"nextId"`
	Seq    uint64                  `json:"seq"`
	Nodes  map[string]nodeSnapshot `json:"nodes"`
}

// Save writes the tree to path via temp-file-plus-rename.
func (t *Tree) Save(path string) error {
	t.mu.RLock()
	snap := treeSnapshot{
		Order: t.order, Root: t.root, Height: t.height, Count: t.count, NextID: t.nextID, Seq: t.seq,
		Nodes: make(map[string]nodeSnapshot, len(t.nodes)),
	}
	for id, n := range t.nodes {
		values := make([][]entrySnapshot, len(n.values))
		for i, vs := range n.values {
			es := make([]entrySnapshot, len(vs))
			for j, v := range vs {
				es[j] = entrySnapshot{ID: v.id, Seq: v.seq}
			}
			values[i] = es
		}
		snap.Nodes[id] = nodeSnapshot{ID: n.id, Leaf: n.leaf, Keys: n.keys, Children: n.children, Values: values}
	}
	t.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

// Load replaces the tree's contents with the snapshot at path, reconstructing
// leaf prev/next links by walking the tree's leftmost-leaf chain. Returns
// (false, nil) if path does not exist.
func (t *Tree) Load(path string) (bool, error) {
	data, err := readFileOrAbsent(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	var snap treeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, err
	}

	nodes := make(map[string]*node, len(snap.Nodes))
	for id, ns := range snap.Nodes {
		values := make([][]entry, len(ns.Values))
		for i, es := range ns.Values {
			vs := make([]entry, len(es))
			for j, e := range es {
				vs[j] = entry{id: e.ID, seq: e.Seq}
			}
			values[i] = vs
		}
		nodes[id] = &node{id: ns.ID, leaf: ns.Leaf, keys: ns.Keys, children: ns.Children, values: values}
	}

	t.mu.Lock()
	t.order = snap.Order
	t.root = snap.Root
	t.height = snap.Height
	t.count = snap.Count
	t.nextID = snap.NextID
	t.seq = snap.Seq
	t.nodes = nodes
	t.relinkLeaves()
	t.mu.Unlock()
	return true, nil
}

// relinkLeaves walks the tree leftmost-down then follows parent-order
// traversal to rebuild the leaf doubly-linked list after Load.
func (t *Tree) relinkLeaves() {
	var leaves []string
	var walk func(id string)
	walk = func(id string) {
		n := t.nodes[id]
		if n.leaf {
			leaves = append(leaves, id)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	if t.root == "" {
		return
	}
	walk(t.root)
	for i, id := range leaves {
		n := t.nodes[id]
		if i > 0 {
			n.prev = leaves[i-1]
		} else {
			n.prev = ""
		}
		if i < len(leaves)-1 {
			n.next = leaves[i+1]
		} else {
			n.next = ""
		}
	}
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readFileOrAbsent(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
