// Package state is the durable store for resume points, failed tasks and
// collection run states. Every mutation rewrites all three documents; the
// documents are reloaded eagerly when a Manager is built.
package state

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
)

// Document names inside the DocumentStore.
const (
	ResumePointsDocument     = "resume_points.json"
	FailedTasksDocument      = "failed_tasks.json"
	CollectionStatesDocument = "collection_states.json"
)

// Defaults applied by AddFailedTask when the caller leaves them zero.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 300 * time.Second
)

var (
	// ErrInvalidInput is returned for values that would break a record invariant.
	ErrInvalidInput = errors.New("invalid state input")
	// ErrRunExists is returned when creating a run id that is already tracked.
	ErrRunExists = errors.New("collection run already exists")
)

// Manager owns all persisted coordinator state. It is safe for concurrent use
// by collectors and the retry scheduler.
type Manager struct {
	store  collector.DocumentStore
	clock  collector.Clock
	hasher collector.Hasher
	logger *zap.Logger

	mu           sync.Mutex
	resumePoints map[string]collector.ResumePoint
	failedTasks  map[string]collector.FailedTask
	runs         map[string]collector.CollectionState
}

// NewManager builds a Manager and loads every document from store. A document
// that cannot be decoded is logged as a StateCorruptionError and replaced by
// an empty set; any other read failure is returned.
func NewManager(
	ctx context.Context,
	store collector.DocumentStore,
	clock collector.Clock,
	hasher collector.Hasher,
	logger *zap.Logger,
) (*Manager, error) {
	switch {
	case store == nil:
		return nil, errors.New("document store is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	case hasher == nil:
		return nil, errors.New("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:        store,
		clock:        clock,
		hasher:       hasher,
		logger:       logger,
		resumePoints: make(map[string]collector.ResumePoint),
		failedTasks:  make(map[string]collector.FailedTask),
		runs:         make(map[string]collector.CollectionState),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	if err := loadDocument(ctx, m, ResumePointsDocument, &m.resumePoints); err != nil {
		return err
	}
	if err := loadDocument(ctx, m, FailedTasksDocument, &m.failedTasks); err != nil {
		return err
	}
	if err := loadDocument(ctx, m, CollectionStatesDocument, &m.runs); err != nil {
		return err
	}
	for id, p := range m.resumePoints {
		p.Metadata = normalizeLoadedMetadata(p.Metadata)
		m.resumePoints[id] = p
	}
	for id, t := range m.failedTasks {
		t.Metadata = normalizeLoadedMetadata(t.Metadata)
		m.failedTasks[id] = t
	}
	m.logger.Info("state loaded",
		zap.Int("resume_points", len(m.resumePoints)),
		zap.Int("failed_tasks", len(m.failedTasks)),
		zap.Int("collection_states", len(m.runs)))
	return nil
}

func loadDocument[V any](ctx context.Context, m *Manager, name string, dst *map[string]V) error {
	data, err := m.store.ReadDocument(ctx, name)
	if errors.Is(err, collector.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	decoded := make(map[string]V)
	if err := decodeJSON(data, &decoded); err != nil {
		corrupt := &collector.StateCorruptionError{Document: name, Err: err}
		m.logger.Error("discarding corrupted state document", zap.Error(corrupt))
		return nil
	}
	*dst = decoded
	return nil
}

// persistLocked rewrites all three documents. The in-memory maps stay
// authoritative when a write fails; the next mutation or Flush retries it.
func (m *Manager) persistLocked(ctx context.Context) error {
	start := time.Now()
	docs := []struct {
		name  string
		value any
	}{
		{ResumePointsDocument, m.resumePoints},
		{FailedTasksDocument, m.failedTasks},
		{CollectionStatesDocument, m.runs},
	}
	for _, doc := range docs {
		data, err := json.MarshalIndent(doc.value, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", doc.name, err)
		}
		if err := m.store.WriteDocument(ctx, doc.name, data); err != nil {
			m.logger.Error("persist state document failed", zap.String("document", doc.name), zap.Error(err))
			return fmt.Errorf("persist %s: %w", doc.name, err)
		}
	}
	metrics.ObserveStatePersist(time.Since(start))
	return nil
}

// Flush persists the current state without changing it.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(ctx)
}

// ResumePointInput describes a checkpoint to save.
type ResumePointInput struct {
	TaskType       collector.TaskType
	CurrentPage    int
	LastCursor     string
	LastSlug       string
	TotalProcessed int
	Metadata       map[string]any
}

// CreateResumePoint saves a checkpoint for in.TaskType. There is one logical
// point per task type: an existing point is overwritten in place and keeps
// its id. A lower TotalProcessed than the stored point starts a new logical
// run and is accepted with a warning.
func (m *Manager) CreateResumePoint(ctx context.Context, in ResumePointInput) (string, error) {
	if in.TaskType == "" {
		return "", fmt.Errorf("%w: task type is required", ErrInvalidInput)
	}
	if err := checkProgress(in.CurrentPage, in.TotalProcessed); err != nil {
		return "", err
	}
	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := storedTime(m.clock.Now())
	id := fmt.Sprintf("%s_%d", in.TaskType, now.Unix())
	if existing, ok := m.latestResumePointLocked(in.TaskType); ok {
		id = existing.ID
		if in.TotalProcessed < existing.TotalProcessed {
			m.logger.Warn("resume point progress went backwards, treating as a new run",
				zap.String("point_id", id),
				zap.Int("previous", existing.TotalProcessed),
				zap.Int("current", in.TotalProcessed))
		}
	}
	m.resumePoints[id] = collector.ResumePoint{
		ID:             id,
		TaskType:       in.TaskType,
		CurrentPage:    in.CurrentPage,
		LastCursor:     in.LastCursor,
		LastSlug:       in.LastSlug,
		TotalProcessed: in.TotalProcessed,
		LastUpdate:     now,
		Metadata:       metadata,
	}
	if err := m.persistLocked(ctx); err != nil {
		return "", err
	}
	m.logger.Info("resume point saved",
		zap.String("point_id", id),
		zap.String("task_type", string(in.TaskType)),
		zap.Int("page", in.CurrentPage))
	return id, nil
}

// UpdateResumePoint applies a partial update. TotalProcessed may not decrease.
func (m *Manager) UpdateResumePoint(ctx context.Context, id string, upd collector.ResumePointUpdate) error {
	metadata, err := normalizeMetadata(upd.Metadata)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	point, ok := m.resumePoints[id]
	if !ok {
		return fmt.Errorf("resume point %s: %w", id, collector.ErrNotFound)
	}
	if upd.CurrentPage != nil {
		point.CurrentPage = *upd.CurrentPage
	}
	if upd.LastCursor != nil {
		point.LastCursor = *upd.LastCursor
	}
	if upd.LastSlug != nil {
		point.LastSlug = *upd.LastSlug
	}
	if upd.TotalProcessed != nil {
		if *upd.TotalProcessed < point.TotalProcessed {
			return fmt.Errorf("%w: total processed cannot decrease from %d to %d",
				ErrInvalidInput, point.TotalProcessed, *upd.TotalProcessed)
		}
		point.TotalProcessed = *upd.TotalProcessed
	}
	if err := checkProgress(point.CurrentPage, point.TotalProcessed); err != nil {
		return err
	}
	merged := collector.CloneMetadata(point.Metadata)
	maps.Copy(merged, metadata)
	point.Metadata = merged
	point.LastUpdate = storedTime(m.clock.Now())
	m.resumePoints[id] = point
	return m.persistLocked(ctx)
}

// GetResumePoint returns the most recently updated point for taskType.
func (m *Manager) GetResumePoint(taskType collector.TaskType) (collector.ResumePoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	point, ok := m.latestResumePointLocked(taskType)
	if !ok {
		return collector.ResumePoint{}, false
	}
	return clonePoint(point), true
}

// latestResumePointLocked also resolves documents written by older versions
// that kept several points per task type.
func (m *Manager) latestResumePointLocked(taskType collector.TaskType) (collector.ResumePoint, bool) {
	var (
		best  collector.ResumePoint
		found bool
	)
	for _, p := range m.resumePoints {
		if p.TaskType != taskType {
			continue
		}
		if !found || p.LastUpdate.After(best.LastUpdate) ||
			(p.LastUpdate.Equal(best.LastUpdate) && p.ID > best.ID) {
			best, found = p, true
		}
	}
	return best, found
}

// ListResumePoints returns every stored point ordered by id.
func (m *Manager) ListResumePoints() []collector.ResumePoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.ResumePoint, 0, len(m.resumePoints))
	for _, p := range m.resumePoints {
		out = append(out, clonePoint(p))
	}
	slices.SortFunc(out, func(a, b collector.ResumePoint) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func checkProgress(page, processed int) error {
	if page < 1 {
		return fmt.Errorf("%w: current page must be >= 1, got %d", ErrInvalidInput, page)
	}
	if processed < 0 {
		return fmt.Errorf("%w: total processed must be >= 0, got %d", ErrInvalidInput, processed)
	}
	return nil
}

func clonePoint(p collector.ResumePoint) collector.ResumePoint {
	p.Metadata = collector.CloneMetadata(p.Metadata)
	return p
}
