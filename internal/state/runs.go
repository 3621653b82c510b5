package state

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// CreateCollectionState starts tracking a run in RUNNING status.
func (m *Manager) CreateCollectionState(ctx context.Context, runID string, taskType collector.TaskType) error {
	if runID == "" || taskType == "" {
		return fmt.Errorf("%w: run id and task type are required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[runID]; exists {
		return fmt.Errorf("run %s: %w", runID, ErrRunExists)
	}
	now := storedTime(m.clock.Now())
	m.runs[runID] = collector.CollectionState{
		RunID:      runID,
		TaskType:   taskType,
		Status:     collector.RunRunning,
		StartTime:  now,
		LastUpdate: now,
	}
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.logger.Info("collection run started", zap.String("run_id", runID), zap.String("task_type", string(taskType)))
	return nil
}

// UpdateCollectionState applies a partial update to a run.
func (m *Manager) UpdateCollectionState(ctx context.Context, runID string, upd collector.CollectionStateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, collector.ErrNotFound)
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return fmt.Errorf("%w: unknown run status %q", ErrInvalidInput, *upd.Status)
		}
		run.Status = *upd.Status
	}
	for _, c := range []struct {
		name string
		src  *int
		dst  *int
	}{
		{"total_items", upd.TotalItems, &run.TotalItems},
		{"processed_items", upd.ProcessedItems, &run.ProcessedItems},
		{"failed_items", upd.FailedItems, &run.FailedItems},
	} {
		if c.src == nil {
			continue
		}
		if *c.src < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidInput, c.name)
		}
		*c.dst = *c.src
	}
	run.LastUpdate = storedTime(m.clock.Now())
	m.runs[runID] = run
	return m.persistLocked(ctx)
}

// GetCollectionState returns one run.
func (m *Manager) GetCollectionState(runID string) (collector.CollectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return collector.CollectionState{}, fmt.Errorf("run %s: %w", runID, collector.ErrNotFound)
	}
	return run, nil
}

// ListCollectionStates returns every run, newest start first.
func (m *Manager) ListCollectionStates() []collector.CollectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.CollectionState, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b collector.CollectionState) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
	return out
}
