package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/orneryd/nornicmem/pkg/memerr"
	"github.com/orneryd/nornicmem/pkg/timeindex"
	"github.com/orneryd/nornicmem/pkg/vector"
)

// Badger key prefixes for the episode row store. Pattern and Feedback
// stores (pkg/pattern) use the 0x10-0x2F range in the same database handle
// so all three share one badger directory without colliding key spaces
// (SPEC_FULL §4.5, §8).
const prefixEpisodeRow = byte(0x01)

func episodeKey(id string) []byte {
	return append([]byte{prefixEpisodeRow}, []byte(id)...)
}

// Store composes the episode row store (badger), the configured Vector
// Index, the B+ Tree Time Index, and an in-memory episode-link adjacency.
type Store struct {
	mu sync.RWMutex

	db        *badger.DB
	vectorIdx vector.Index
	timeIdx   *timeindex.Tree

	outLinks  map[string][]Link
	inLinks   map[string][]Link
	taskIndex map[string][]string // taskID -> episode ids, insertion order
	ongoing   map[string]bool     // episode ids with endTime == nil

	now func() time.Time
}

// New composes a Store over an already-open badger handle and the caller's
// chosen Vector Index and Time Index instances.
func New(db *badger.DB, vectorIdx vector.Index, timeIdx *timeindex.Tree) *Store {
	return &Store{
		db: db, vectorIdx: vectorIdx, timeIdx: timeIdx,
		outLinks: make(map[string][]Link), inLinks: make(map[string][]Link),
		taskIndex: make(map[string][]string), ongoing: make(map[string]bool),
		now: time.Now,
	}
}

func (s *Store) validate(opts CreateOpts) error {
	if opts.TaskID == "" {
		return memerr.New(memerr.KindValidation, "episode.createEpisode", fmt.Errorf("taskId must not be empty"))
	}
	if opts.StartTime != nil && opts.EndTime != nil && *opts.StartTime > *opts.EndTime {
		return memerr.New(memerr.KindValidation, "episode.createEpisode", fmt.Errorf("startTime must be <= endTime"))
	}
	if len(opts.LinkedEpisodes) > maxLinkedEpisodes {
		return memerr.Newf(memerr.KindValidation, "episode.createEpisode",
			"linkedEpisodes has %d entries, exceeds max %d", len(opts.LinkedEpisodes), maxLinkedEpisodes)
	}
	data, err := json.Marshal(opts.Metadata)
	if err != nil {
		return memerr.New(memerr.KindValidation, "episode.createEpisode", err)
	}
	if len(data) > maxMetadataBytes {
		return memerr.Newf(memerr.KindValidation, "episode.createEpisode",
			"metadata is %d bytes, exceeds max %d", len(data), maxMetadataBytes)
	}
	return nil
}

// CreateEpisode validates opts, fills defaults, and appends the episode to
// the row store, Vector Index, Time Index, and link adjacency in order.
// Any step failing rolls back the steps already completed.
func (s *Store) CreateEpisode(ctx context.Context, opts CreateOpts) (string, error) {
	if err := s.validate(opts); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	startTime := now.UnixMilli()
	if opts.StartTime != nil {
		startTime = *opts.StartTime
	}
	linked := dedupStrings(opts.LinkedEpisodes)

	ep := Episode{
		ID: uuid.NewString(), TaskID: opts.TaskID, StartTime: startTime, EndTime: opts.EndTime,
		Embedding: opts.Embedding, Metadata: opts.Metadata, LinkedEpisodes: linked,
		CreatedAt: now, UpdatedAt: now,
	}

	var rolledBackVector, rolledBackTime bool
	rollback := func() {
		if rolledBackVector {
			s.vectorIdx.Remove(ep.ID)
		}
		if rolledBackTime {
			s.timeIdx.Remove(ep.StartTime, ep.ID)
		}
		s.db.Update(func(txn *badger.Txn) error { return txn.Delete(episodeKey(ep.ID)) })
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return "", memerr.New(memerr.KindPersistence, "episode.createEpisode", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(episodeKey(ep.ID), data) }); err != nil {
		return "", memerr.New(memerr.KindPersistence, "episode.createEpisode", err)
	}

	if len(ep.Embedding) > 0 {
		if err := s.vectorIdx.Insert(ep.ID, ep.Embedding); err != nil {
			rollback()
			return "", err
		}
		rolledBackVector = true
	}

	s.timeIdx.Insert(ep.StartTime, ep.ID)
	rolledBackTime = true

	for _, target := range linked {
		s.addLinkLocked(Link{Source: ep.ID, Target: target, Type: LinkReference})
	}

	s.taskIndex[ep.TaskID] = append(s.taskIndex[ep.TaskID], ep.ID)
	if ep.EndTime == nil {
		s.ongoing[ep.ID] = true
	}
	_ = ctx
	return ep.ID, nil
}

// GetByID joins the row with a lazily-reinjected embedding (if the row was
// persisted without one but the Vector Index still has it) and the
// episode's outgoing link list.
func (s *Store) GetByID(id string) (Episode, bool, error) {
	ep, ok, err := s.readRow(id)
	if err != nil || !ok {
		return Episode{}, ok, err
	}
	if len(ep.Embedding) == 0 {
		if v, found := s.vectorIdx.Get(id); found {
			ep.Embedding = v
		}
	}
	s.mu.RLock()
	targets := append([]string{}, ep.LinkedEpisodes...)
	for _, l := range s.outLinks[id] {
		targets = append(targets, l.Target)
	}
	s.mu.RUnlock()
	ep.LinkedEpisodes = dedupStrings(targets)
	return ep, true, nil
}

func (s *Store) readRow(id string) (Episode, bool, error) {
	var ep Episode
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(episodeKey(id))
		if err == badger.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &ep) })
	})
	if err != nil {
		return Episode{}, false, memerr.New(memerr.KindPersistence, "episode.getById", err)
	}
	return ep, found, nil
}

// QueryByTimeRange scans the Time Index for [q.StartTime, q.EndTime],
// optionally unioning ongoing episodes (EndTime == nil) whose StartTime <=
// q.EndTime, ordered ascending by StartTime, limited after ordering.
func (s *Store) QueryByTimeRange(q TimeRangeQuery) ([]Episode, error) {
	s.mu.RLock()
	ids := s.timeIdx.Range(q.StartTime, q.EndTime)
	if q.IncludeOngoing {
		for id := range s.ongoing {
			ep, ok, err := s.readRow(id)
			if err == nil && ok && ep.StartTime <= q.EndTime {
				ids = append(ids, id)
			}
		}
	}
	s.mu.RUnlock()

	ids = dedupStrings(ids)
	episodes := make([]Episode, 0, len(ids))
	for _, id := range ids {
		ep, ok, err := s.readRow(id)
		if err != nil {
			return nil, err
		}
		if ok {
			episodes = append(episodes, ep)
		}
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].StartTime < episodes[j].StartTime })
	if q.Limit > 0 && len(episodes) > q.Limit {
		episodes = episodes[:q.Limit]
	}
	return episodes, nil
}

// SearchBySimilarity searches the Vector Index, joins hits back to rows,
// and applies the optional TaskIDs and MinSimilarity filters.
func (s *Store) SearchBySimilarity(ctx context.Context, q SimilarityQuery) ([]SimilarityHit, error) {
	results, err := s.vectorIdx.Search(ctx, q.Embedding, q.K)
	if err != nil {
		return nil, err
	}
	taskFilter := make(map[string]bool, len(q.TaskIDs))
	for _, id := range q.TaskIDs {
		taskFilter[id] = true
	}

	out := make([]SimilarityHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < q.MinSimilarity {
			continue
		}
		ep, ok, err := s.readRow(r.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if len(taskFilter) > 0 && !taskFilter[ep.TaskID] {
			continue
		}
		out = append(out, SimilarityHit{Episode: ep, Similarity: r.Similarity})
	}
	return out, nil
}

// Update applies patch to the episode under id. Embedding changes re-upsert
// the Vector Index; StartTime changes (via the row's current StartTime
// after patch) re-key the Time Index; LinkedEpisodes changes remove every
// outgoing link of the episode, whatever its type, and add reference links
// to the listed episodes.
func (s *Store) Update(id string, patch UpdatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok, err := s.readRow(id)
	if err != nil {
		return err
	}
	if !ok {
		return memerr.New(memerr.KindNotFound, "episode.update", fmt.Errorf("episode %q not found", id))
	}

	if patch.StartTime != nil && *patch.StartTime != ep.StartTime {
		s.timeIdx.Remove(ep.StartTime, id)
		ep.StartTime = *patch.StartTime
		s.timeIdx.Insert(ep.StartTime, id)
	}
	if patch.EndTime != nil {
		ep.EndTime = patch.EndTime
		delete(s.ongoing, id)
	}
	if patch.Embedding != nil {
		if err := s.vectorIdx.Insert(id, patch.Embedding); err != nil {
			return err
		}
		ep.Embedding = patch.Embedding
	}
	if patch.LinkedEpisodes != nil {
		s.removeOutLinksLocked(id)
		linked := dedupStrings(patch.LinkedEpisodes)
		for _, target := range linked {
			s.addLinkLocked(Link{Source: id, Target: target, Type: LinkReference})
		}
		ep.LinkedEpisodes = linked
	}
	if patch.MetadataMerge != nil {
		if ep.Metadata.Extra == nil {
			ep.Metadata.Extra = make(map[string]any)
		}
		for k, v := range patch.MetadataMerge {
			ep.Metadata.Extra[k] = v
		}
	}
	ep.UpdatedAt = s.now()

	data, err := json.Marshal(ep)
	if err != nil {
		return memerr.New(memerr.KindPersistence, "episode.update", err)
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.Set(episodeKey(id), data) })
}

// LinkEpisodes records a directed link. Self-links and out-degree > 100 are
// rejected; both endpoints must already exist as episodes; for Type ==
// sequence, a DFS from target over existing sequence edges that reaches
// source is rejected as a cycle.
func (s *Store) LinkEpisodes(source, target string, linkType LinkType) error {
	if source == target {
		return memerr.New(memerr.KindValidation, "episode.linkEpisodes", fmt.Errorf("self-link is not allowed"))
	}

	if _, ok, err := s.readRow(source); err != nil {
		return err
	} else if !ok {
		return memerr.Newf(memerr.KindValidation, "episode.linkEpisodes", "source episode %q does not exist", source)
	}
	if _, ok, err := s.readRow(target); err != nil {
		return err
	} else if !ok {
		return memerr.Newf(memerr.KindValidation, "episode.linkEpisodes", "target episode %q does not exist", target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outLinks[source]) >= maxOutDegree {
		return memerr.Newf(memerr.KindValidation, "episode.linkEpisodes", "source %q already has max out-degree %d", source, maxOutDegree)
	}
	if linkType == LinkSequence && s.reachableLocked(target, source, LinkSequence) {
		return memerr.New(memerr.KindValidation, "episode.linkEpisodes", fmt.Errorf("sequence link would create a cycle"))
	}

	s.addLinkLocked(Link{Source: source, Target: target, Type: linkType})
	return nil
}

func (s *Store) reachableLocked(from, to string, viaType LinkType) bool {
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, l := range s.outLinks[cur] {
			if l.Type != viaType || visited[l.Target] {
				continue
			}
			visited[l.Target] = true
			stack = append(stack, l.Target)
		}
	}
	return false
}

func (s *Store) addLinkLocked(l Link) {
	s.outLinks[l.Source] = append(s.outLinks[l.Source], l)
	s.inLinks[l.Target] = append(s.inLinks[l.Target], l)
}

func (s *Store) removeOutLinksLocked(source string) {
	for _, l := range s.outLinks[source] {
		kept := s.inLinks[l.Target][:0:0]
		for _, x := range s.inLinks[l.Target] {
			if x.Source != source {
				kept = append(kept, x)
			}
		}
		s.inLinks[l.Target] = kept
	}
	delete(s.outLinks, source)
}

// GetEpisodeContext returns direct (same taskId), temporal (last hour via
// Time Index), and semantic (top-10 similarity neighbors of the most
// recent direct episode's embedding) results.
func (s *Store) GetEpisodeContext(ctx context.Context, taskID string) (Context, error) {
	s.mu.RLock()
	directIDs := append([]string{}, s.taskIndex[taskID]...)
	s.mu.RUnlock()

	direct := make([]Episode, 0, len(directIDs))
	for _, id := range directIDs {
		ep, ok, err := s.readRow(id)
		if err != nil {
			return Context{}, err
		}
		if ok {
			direct = append(direct, ep)
		}
	}
	sort.Slice(direct, func(i, j int) bool { return direct[i].StartTime < direct[j].StartTime })

	now := s.now().UnixMilli()
	temporal, err := s.QueryByTimeRange(TimeRangeQuery{StartTime: now - int64(time.Hour/time.Millisecond), EndTime: now, IncludeOngoing: true})
	if err != nil {
		return Context{}, err
	}

	var semantic []SimilarityHit
	if len(direct) > 0 {
		representative := direct[len(direct)-1]
		if len(representative.Embedding) == 0 {
			if v, found := s.vectorIdx.Get(representative.ID); found {
				representative.Embedding = v
			}
		}
		if len(representative.Embedding) > 0 {
			semantic, err = s.SearchBySimilarity(ctx, SimilarityQuery{Embedding: representative.Embedding, K: 10})
			if err != nil {
				return Context{}, err
			}
		}
	}

	return Context{Direct: direct, Temporal: temporal, Semantic: semantic}, nil
}

// GetLinks returns the outgoing and incoming links recorded for id.
func (s *Store) GetLinks(id string) (out []Link, in []Link) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Link{}, s.outLinks[id]...), append([]Link{}, s.inLinks[id]...)
}

// Delete removes the episode row, its Vector Index entry, its Time Index
// entry, and every link referencing it. Allowed at the store level; §3's
// higher-layer DAOs enforce append-only where a deployment requires it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok, err := s.readRow(id)
	if err != nil {
		return err
	}
	if !ok {
		return memerr.New(memerr.KindNotFound, "episode.delete", fmt.Errorf("episode %q not found", id))
	}

	s.vectorIdx.Remove(id)
	s.timeIdx.Remove(ep.StartTime, id)
	delete(s.ongoing, id)

	remaining := s.taskIndex[ep.TaskID][:0:0]
	for _, existing := range s.taskIndex[ep.TaskID] {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	s.taskIndex[ep.TaskID] = remaining

	s.removeOutLinksLocked(id)
	for _, l := range s.inLinks[id] {
		kept := s.outLinks[l.Source][:0:0]
		for _, x := range s.outLinks[l.Source] {
			if x.Target != id {
				kept = append(kept, x)
			}
		}
		s.outLinks[l.Source] = kept
	}
	delete(s.inLinks, id)

	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete(episodeKey(id)) })
}

// Stats summarizes the Episode Store (SPEC_FULL §6 episode.stats).
type Stats struct {
	TotalEpisodes   int `json:"totalEpisodes"`
	OngoingEpisodes int `json:"ongoingEpisodes"`
	TotalLinks      int `json:"totalLinks"`
}

// GetStats counts rows via the Time Index (episodes are always time-indexed
// at creation) and sums outgoing links across the adjacency map.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := 0
	for _, ls := range s.outLinks {
		links += len(ls)
	}
	return Stats{
		TotalEpisodes:   s.timeIdx.Count(),
		OngoingEpisodes: len(s.ongoing),
		TotalLinks:      links,
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
