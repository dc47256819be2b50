package episode

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// auxSnapshot persists the state not already durable in badger: link
// adjacency and the task index. The Time Index and Vector Index persist
// themselves via their own Save/Load (SPEC_FULL §4.4's "link adjacency and
// the time index are each save()d on explicit save or close").
type auxSnapshot struct {
	OutLinks  map[string][]Link  `json:"outLinks"`
	TaskIndex map[string][]string `json:"taskIndex"`
	Ongoing   []string           `json:"ongoing"`
}

// Save persists link adjacency and the task index to path via
// temp-file-plus-rename, the same technique used by pkg/vector and
// pkg/timeindex.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := auxSnapshot{OutLinks: s.outLinks, TaskIndex: s.taskIndex, Ongoing: make([]string, 0, len(s.ongoing))}
	for id := range s.ongoing {
		snap.Ongoing = append(snap.Ongoing, id)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return memerr.New(memerr.KindPersistence, "episode.Save", err)
	}
	return atomicWriteFile(path, data)
}

// Load replaces link adjacency and the task index from path, reconstructing
// the incoming-link index from the outgoing one. Returns (false, nil) if
// path does not exist.
func (s *Store) Load(path string) (bool, error) {
	data, err := readFileOrAbsent(path)
	if err != nil {
		return false, memerr.New(memerr.KindPersistence, "episode.Load", err)
	}
	if data == nil {
		return false, nil
	}
	var snap auxSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, memerr.New(memerr.KindPersistence, "episode.Load", err)
	}

	inLinks := make(map[string][]Link)
	for _, links := range snap.OutLinks {
		for _, l := range links {
			inLinks[l.Target] = append(inLinks[l.Target], l)
		}
	}
	ongoing := make(map[string]bool, len(snap.Ongoing))
	for _, id := range snap.Ongoing {
		ongoing[id] = true
	}

	s.mu.Lock()
	s.outLinks = snap.OutLinks
	if s.outLinks == nil {
		s.outLinks = make(map[string][]Link)
	}
	s.inLinks = inLinks
	s.taskIndex = snap.TaskIndex
	if s.taskIndex == nil {
		s.taskIndex = make(map[string][]string)
	}
	s.ongoing = ongoing
	s.mu.Unlock()
	return true, nil
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
