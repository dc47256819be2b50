package hypergraph

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

const (
	lockRetryAttempts = 5
	lockRetryBase     = 100 * time.Millisecond
)

// zstdMagic is zstd's own frame magic number, used to tell a compressed
// snapshot apart from a pre-compression plain-JSON one written by an older
// build so Load stays backward compatible.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func compressSnapshot(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func decompressSnapshot(data []byte) ([]byte, error) {
	if len(data) < 4 || string(data[:4]) != string(zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

type snapshotFile struct {
	Version       int                  `json:"version"`
	SavedAt       time.Time            `json:"savedAt"`
	RootNamespace string               `json:"rootNamespace"`
	RootNodeID    string               `json:"rootNodeId"`
	Nodes         map[string]Node      `json:"nodes"`
	Edges         map[string]Edge      `json:"edges"`
	Hyperedges    map[string]Hyperedge `json:"hyperedges"`
}

const snapshotVersion = 1

// Save writes the graph to path as a single JSON file under a cross-process
// advisory lock (path+".lock"). Lock acquisition is retried every
// lockRetryBase until the deadline from lockTimeoutCtx passes; the interval
// is fixed and does not grow between tries. If path does not exist it is touched
// with an empty JSON object before the lock is taken, per SPEC_FULL §4.3.
func (s *Store) Save(path string, lockTimeout time.Duration) error {
	if err := touchIfMissing(path); err != nil {
		return err
	}
	lock := flock.New(path + ".lock")
	ctx, cancel := lockTimeoutCtx(lockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(ctx, lockRetryBase)
	if err != nil || !ok {
		return memerr.New(memerr.KindConcurrency, "hypergraph.Save", errLockTimeout)
	}
	defer lock.Unlock()

	s.mu.RLock()
	snap := snapshotFile{
		Version: snapshotVersion, SavedAt: s.now(), RootNamespace: s.rootNamespace, RootNodeID: s.rootNodeID,
		Nodes: s.nodes, Edges: s.edges, Hyperedges: s.hyperedges,
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return memerr.New(memerr.KindPersistence, "hypergraph.Save", err)
	}
	compressed, err := compressSnapshot(data)
	if err != nil {
		return memerr.New(memerr.KindPersistence, "hypergraph.Save", err)
	}
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return memerr.New(memerr.KindPersistence, "hypergraph.Save", err)
	}
	return nil
}

// Load reads the graph from path under the same advisory lock as Save.
// Returns (false, nil) if path does not exist.
func (s *Store) Load(path string, lockTimeout time.Duration) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	lock := flock.New(path + ".lock")
	ctx, cancel := lockTimeoutCtx(lockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(ctx, lockRetryBase)
	if err != nil || !ok {
		return false, memerr.New(memerr.KindConcurrency, "hypergraph.Load", errLockTimeout)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, memerr.New(memerr.KindPersistence, "hypergraph.Load", err)
	}
	data, err := decompressSnapshot(raw)
	if err != nil {
		return false, memerr.New(memerr.KindPersistence, "hypergraph.Load", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, memerr.New(memerr.KindPersistence, "hypergraph.Load", err)
	}

	s.mu.Lock()
	s.nodes = snap.Nodes
	s.edges = snap.Edges
	s.hyperedges = snap.Hyperedges
	if s.nodes == nil {
		s.nodes = make(map[string]Node)
	}
	if s.edges == nil {
		s.edges = make(map[string]Edge)
	}
	if s.hyperedges == nil {
		s.hyperedges = make(map[string]Hyperedge)
	}
	s.rootNamespace = snap.RootNamespace
	s.rootNodeID = snap.RootNodeID
	s.seeded = s.rootNodeID != "" || len(s.nodes) > 0
	s.edgeRefs = make(map[string]map[string]bool)
	for id, e := range s.edges {
		s.linkEdgeRefs(id, e.Source, e.Target)
	}
	for id, h := range s.hyperedges {
		s.linkEdgeRefs(id, h.Nodes...)
	}
	s.mu.Unlock()
	return true, nil
}

func touchIfMissing(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return memerr.New(memerr.KindPersistence, "hypergraph.Save", err)
		}
	}
	return nil
}

func lockTimeoutCtx(lockTimeout time.Duration) (context.Context, context.CancelFunc) {
	total := time.Duration(lockRetryAttempts) * lockRetryBase
	if lockTimeout > total {
		total = lockTimeout
	}
	return context.WithTimeout(context.Background(), total)
}

var errLockTimeout = errors.New("timed out acquiring advisory file lock")
