package pattern

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// Badger key prefixes. 0x01 is reserved by pkg/episode's row store in the
// same database handle (SPEC_FULL §4.5).
const (
	prefixPattern  = byte(0x10)
	prefixFeedback = byte(0x20)
)

func patternKey(id string) []byte  { return append([]byte{prefixPattern}, []byte(id)...) }
func feedbackKey(id string) []byte { return append([]byte{prefixFeedback}, []byte(id)...) }

var errHardDeleteForbidden = memerr.New(memerr.KindState, "pattern.delete", fmt.Errorf("hard delete is forbidden; use deprecate"))

// retryBackoff is the exponential backoff schedule for badger.ErrConflict
// retries, per SPEC_FULL §9's "Shared-resource policy" (100ms, 200ms,
// 400ms, at most 3 attempts).
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Store is the Pattern Store and its co-resident Feedback store, both
// backed by the shared badger handle passed to New.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// New composes a Store over an already-open badger handle shared with
// pkg/episode.
func New(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func retriableUpdate(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < len(retryBackoff); attempt++ {
		err := db.Update(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if err != badger.ErrConflict {
			return err
		}
		time.Sleep(retryBackoff[attempt])
	}
	return lastErr
}

// Insert appends a new pattern, filling Version=1 and CreatedAt/UpdatedAt.
func (s *Store) Insert(p Pattern) (Pattern, error) {
	if p.Weight < 0 || p.Weight > 1 {
		return Pattern{}, memerr.Newf(memerr.KindValidation, "pattern.insert", "weight %v out of range [0,1]", p.Weight)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt, p.Version, p.Deprecated = now, now, 1, false

	data, err := json.Marshal(p)
	if err != nil {
		return Pattern{}, memerr.New(memerr.KindPersistence, "pattern.insert", err)
	}
	err = retriableUpdate(s.db, func(txn *badger.Txn) error { return txn.Set(patternKey(p.ID), data) })
	if err != nil {
		return Pattern{}, memerr.New(memerr.KindPersistence, "pattern.insert", err)
	}
	return p, nil
}

func (s *Store) FindByID(id string) (Pattern, bool, error) {
	var p Pattern
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id))
		if err == badger.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &p) })
	})
	if err != nil {
		return Pattern{}, false, memerr.New(memerr.KindPersistence, "pattern.findById", err)
	}
	return p, found, nil
}

// allPatterns scans the full pattern key range.
func (s *Store) allPatterns() ([]Pattern, error) {
	var out []Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixPattern}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Pattern
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, memerr.New(memerr.KindPersistence, "pattern.scan", err)
	}
	return out, nil
}

// FindByTaskType returns active patterns for taskType, sorted by Weight
// descending then UpdatedAt descending.
func (s *Store) FindByTaskType(taskType string) ([]Pattern, error) {
	all, err := s.allPatterns()
	if err != nil {
		return nil, err
	}
	out := make([]Pattern, 0, len(all))
	for _, p := range all {
		if !p.Deprecated && p.TaskType == taskType {
			out = append(out, p)
		}
	}
	sortByWeightThenRecency(out)
	return out, nil
}

// FindActive returns every non-deprecated pattern, sorted by Weight
// descending then UpdatedAt descending.
func (s *Store) FindActive() ([]Pattern, error) {
	all, err := s.allPatterns()
	if err != nil {
		return nil, err
	}
	out := make([]Pattern, 0, len(all))
	for _, p := range all {
		if !p.Deprecated {
			out = append(out, p)
		}
	}
	sortByWeightThenRecency(out)
	return out, nil
}

func sortByWeightThenRecency(ps []Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Weight != ps[j].Weight {
			return ps[i].Weight > ps[j].Weight
		}
		return ps[i].UpdatedAt.After(ps[j].UpdatedAt)
	})
}

// mutate reads, applies fn, writes back, inside one retriable badger
// transaction, so successCount/failureCount/version updates are a compound
// read-modify-write serialized by badger's optimistic concurrency control.
func (s *Store) mutate(id string, op string, fn func(p *Pattern) error) error {
	return retriableUpdate(s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id))
		if err == badger.ErrKeyNotFound {
			return memerr.New(memerr.KindNotFound, op, fmt.Errorf("pattern %q not found", id))
		}
		if err != nil {
			return err
		}
		var p Pattern
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.Version++
		p.UpdatedAt = s.now()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set(patternKey(id), data)
	})
}

// UpdateWeight sets Weight, bumping Version.
func (s *Store) UpdateWeight(id string, w float64) error {
	if w < 0 || w > 1 {
		return memerr.Newf(memerr.KindValidation, "pattern.updateWeight", "weight %v out of range [0,1]", w)
	}
	return s.mutate(id, "pattern.updateWeight", func(p *Pattern) error { p.Weight = w; return nil })
}

func (s *Store) IncrementSuccess(id string) error {
	return s.mutate(id, "pattern.incrementSuccess", func(p *Pattern) error { p.SuccessCount++; return nil })
}

func (s *Store) IncrementFailure(id string) error {
	return s.mutate(id, "pattern.incrementFailure", func(p *Pattern) error { p.FailureCount++; return nil })
}

// Deprecate soft-deletes the pattern, bumping Version.
func (s *Store) Deprecate(id string) error {
	return s.mutate(id, "pattern.deprecate", func(p *Pattern) error { p.Deprecated = true; return nil })
}

// Delete always fails: hard-delete is forbidden by the soft-delete-only
// policy (SPEC_FULL §4.5).
func (s *Store) Delete(id string) error { return errHardDeleteForbidden }

// Clear always fails for the same reason as Delete.
func (s *Store) Clear() error { return errHardDeleteForbidden }

// GetStats returns totals, active/deprecated splits, sum/avg weight, and
// overall success rate across active patterns.
func (s *Store) GetStats() (Stats, error) {
	all, err := s.allPatterns()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	var successes, failures int64
	for _, p := range all {
		stats.Total++
		if p.Deprecated {
			stats.Deprecated++
			continue
		}
		stats.Active++
		stats.WeightSum += p.Weight
		successes += p.SuccessCount
		failures += p.FailureCount
	}
	if stats.Active > 0 {
		stats.WeightAvg = stats.WeightSum / float64(stats.Active)
	}
	if total := successes + failures; total > 0 {
		stats.OverallSuccess = float64(successes) / float64(total)
	}
	return stats, nil
}

// InsertFeedback appends a new, unprocessed feedback record.
func (s *Store) InsertFeedback(f LearningFeedback) (LearningFeedback, error) {
	if f.Quality < 0 || f.Quality > 1 {
		return LearningFeedback{}, memerr.Newf(memerr.KindValidation, "pattern.insertFeedback", "quality %v out of range [0,1]", f.Quality)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt, f.Version, f.Processed = s.now(), 1, false

	data, err := json.Marshal(f)
	if err != nil {
		return LearningFeedback{}, memerr.New(memerr.KindPersistence, "pattern.insertFeedback", err)
	}
	err = retriableUpdate(s.db, func(txn *badger.Txn) error { return txn.Set(feedbackKey(f.ID), data) })
	if err != nil {
		return LearningFeedback{}, memerr.New(memerr.KindPersistence, "pattern.insertFeedback", err)
	}
	return f, nil
}

func (s *Store) FindFeedbackByID(id string) (LearningFeedback, bool, error) {
	var f LearningFeedback
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(feedbackKey(id))
		if err == badger.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &f) })
	})
	if err != nil {
		return LearningFeedback{}, false, memerr.New(memerr.KindPersistence, "pattern.findFeedbackById", err)
	}
	return f, found, nil
}

// MarkProcessed flips Processed false->true, the only mutation
// LearningFeedback permits. Calling it on an already-processed record is a
// no-op success.
func (s *Store) MarkProcessed(id string) error {
	return retriableUpdate(s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(feedbackKey(id))
		if err == badger.ErrKeyNotFound {
			return memerr.New(memerr.KindNotFound, "pattern.markProcessed", fmt.Errorf("feedback %q not found", id))
		}
		if err != nil {
			return err
		}
		var f LearningFeedback
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
			return err
		}
		if f.Processed {
			return nil
		}
		f.Processed = true
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return txn.Set(feedbackKey(id), data)
	})
}

// DeleteFeedback always fails: feedback is append-only.
func (s *Store) DeleteFeedback(id string) error { return errHardDeleteForbidden }

// ClearFeedback always fails for the same reason.
func (s *Store) ClearFeedback() error { return errHardDeleteForbidden }
