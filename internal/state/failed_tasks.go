package state

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// taskIDHashLen is the number of hex digest characters kept in a task id.
const taskIDHashLen = 12

// FailedTaskInput describes an operation to queue for retry.
type FailedTaskInput struct {
	TaskType     collector.TaskType
	Target       string
	ErrorMessage string
	// MaxRetries defaults to DefaultMaxRetries when zero.
	MaxRetries int
	// RetryDelay is the wait before the first retry. Defaults to DefaultRetryDelay.
	RetryDelay time.Duration
	Metadata   map[string]any
}

// TaskID derives the deterministic id for a task type and target.
func (m *Manager) TaskID(taskType collector.TaskType, target string) (string, error) {
	digest, err := m.hasher.Hash([]byte(string(taskType) + "\x00" + target))
	if err != nil {
		return "", fmt.Errorf("hash task id: %w", err)
	}
	if len(digest) > taskIDHashLen {
		digest = digest[:taskIDHashLen]
	}
	return fmt.Sprintf("%s_%s", taskType, digest), nil
}

// AddFailedTask queues in for retry and returns its task id. Adding the same
// task type and target again refreshes the error, schedule and metadata but
// keeps the retry count, so a target cannot escape its retry budget by
// failing again.
func (m *Manager) AddFailedTask(ctx context.Context, in FailedTaskInput) (string, error) {
	if in.TaskType == "" || in.Target == "" {
		return "", fmt.Errorf("%w: task type and target are required", ErrInvalidInput)
	}
	if in.MaxRetries < 0 {
		return "", fmt.Errorf("%w: max retries must be >= 0", ErrInvalidInput)
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = DefaultMaxRetries
	}
	if in.RetryDelay <= 0 {
		in.RetryDelay = DefaultRetryDelay
	}
	id, err := m.TaskID(in.TaskType, in.Target)
	if err != nil {
		return "", err
	}
	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := storedTime(m.clock.Now())
	task, exists := m.failedTasks[id]
	if !exists {
		task = collector.FailedTask{
			TaskID:    id,
			TaskType:  in.TaskType,
			Target:    in.Target,
			CreatedAt: now,
			Metadata:  make(map[string]any),
		}
	}
	task.ErrorMessage = in.ErrorMessage
	task.MaxRetries = in.MaxRetries
	task.RetryCount = min(task.RetryCount, task.MaxRetries)
	task.NextRetryTime = now.Add(in.RetryDelay)
	merged := collector.CloneMetadata(task.Metadata)
	maps.Copy(merged, metadata)
	task.Metadata = merged
	m.failedTasks[id] = task

	if err := m.persistLocked(ctx); err != nil {
		return "", err
	}
	m.logger.Info("failed task queued",
		zap.String("task_id", id),
		zap.String("task_type", string(in.TaskType)),
		zap.String("target", in.Target),
		zap.Bool("existing", exists))
	return id, nil
}

// GetRetryableTasks returns tasks with retries left whose next retry time has
// passed, oldest schedule first.
func (m *Manager) GetRetryableTasks() []collector.FailedTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var out []collector.FailedTask
	for _, t := range m.failedTasks {
		if t.RetryCount < t.MaxRetries && !t.NextRetryTime.After(now) {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	return out
}

// ListFailedTasks returns every queued task, exhausted ones included.
func (m *Manager) ListFailedTasks() []collector.FailedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.FailedTask, 0, len(m.failedTasks))
	for _, t := range m.failedTasks {
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out
}

// GetFailedTask returns one task by id.
func (m *Manager) GetFailedTask(id string) (collector.FailedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.failedTasks[id]
	if !ok {
		return collector.FailedTask{}, fmt.Errorf("failed task %s: %w", id, collector.ErrNotFound)
	}
	return cloneTask(t), nil
}

// MarkTaskSuccess removes the task from the queue.
func (m *Manager) MarkTaskSuccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failedTasks[id]; !ok {
		return fmt.Errorf("failed task %s: %w", id, collector.ErrNotFound)
	}
	delete(m.failedTasks, id)
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.logger.Info("failed task recovered", zap.String("task_id", id))
	return nil
}

// MarkTaskRetry records one more failed attempt and schedules the next one.
// The retry count never exceeds MaxRetries. A non-empty reason replaces the
// stored error message. The updated task is returned.
func (m *Manager) MarkTaskRetry(ctx context.Context, id string, next time.Time, reason string) (collector.FailedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.failedTasks[id]
	if !ok {
		return collector.FailedTask{}, fmt.Errorf("failed task %s: %w", id, collector.ErrNotFound)
	}
	t.RetryCount = min(t.RetryCount+1, t.MaxRetries)
	t.NextRetryTime = storedTime(next)
	if reason != "" {
		t.ErrorMessage = reason
	}
	m.failedTasks[id] = t
	if err := m.persistLocked(ctx); err != nil {
		return collector.FailedTask{}, err
	}
	m.logger.Info("failed task rescheduled",
		zap.String("task_id", id),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries),
		zap.Time("next_retry_time", next))
	return cloneTask(t), nil
}

func cloneTask(t collector.FailedTask) collector.FailedTask {
	t.Metadata = collector.CloneMetadata(t.Metadata)
	return t
}

func sortTasks(tasks []collector.FailedTask) {
	slices.SortFunc(tasks, func(a, b collector.FailedTask) int {
		if c := a.NextRetryTime.Compare(b.NextRetryTime); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
}
