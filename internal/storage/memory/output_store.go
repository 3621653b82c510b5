package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// OutputStore records persisted items so integrity checks can run without a
// database.
type OutputStore struct {
	mu   sync.RWMutex
	rows []collector.OutputItem
}

// NewOutputStore creates an empty output store.
func NewOutputStore() *OutputStore {
	return &OutputStore{}
}

// RecordItem stores one persisted item.
func (s *OutputStore) RecordItem(_ context.Context, item collector.OutputItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.CollectedAt.IsZero() {
		item.CollectedAt = time.Now().UTC()
	}
	s.rows = append(s.rows, item)
	return nil
}

// Items returns a copy of everything recorded.
func (s *OutputStore) Items() []collector.OutputItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows)
}

func (s *OutputStore) matching(q collector.OutputQuery) []collector.OutputItem {
	var out []collector.OutputItem
	for _, r := range s.rows {
		if q.RunID != "" && r.RunID != q.RunID {
			continue
		}
		if q.TaskType != "" && r.TaskType != q.TaskType {
			continue
		}
		if !q.Since.IsZero() && r.CollectedAt.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CountItems counts the distinct items matching q.
func (s *OutputStore) CountItems(_ context.Context, q collector.OutputQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range s.matching(q) {
		seen[r.Key] = struct{}{}
	}
	return int64(len(seen)), nil
}

// DuplicateKeys returns the sorted keys recorded more than once for q.
func (s *OutputStore) DuplicateKeys(_ context.Context, q collector.OutputQuery) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range s.matching(q) {
		counts[r.Key]++
	}
	var dups []string
	for k, n := range counts {
		if n > 1 {
			dups = append(dups, k)
		}
	}
	slices.Sort(dups)
	return dups, nil
}
