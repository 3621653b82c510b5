// Package orchestrator is the public entry point of the collection core. It
// owns the request middleware, the state manager, the retry scheduler and
// the integrity validator, all built once at process start and injected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/middleware"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/scheduler"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/state"
)

// IntegrityDisabledWarning is the only warning of a report produced while
// integrity checks are turned off.
const IntegrityDisabledWarning = "integrity check disabled"

// Features toggles optional behavior.
type Features struct {
	AutoRetry      bool
	IntegrityCheck bool
}

// Deps are the components the orchestrator coordinates.
type Deps struct {
	State      *state.Manager
	Scheduler  *scheduler.Scheduler
	Validator  *integrity.Validator
	Middleware *middleware.Middleware
	IDs        collector.IDGenerator
	Clock      collector.Clock
	Logger     *zap.Logger
}

// Orchestrator coordinates the collection core.
type Orchestrator struct {
	state      *state.Manager
	scheduler  *scheduler.Scheduler
	validator  *integrity.Validator
	middleware *middleware.Middleware
	ids        collector.IDGenerator
	clock      collector.Clock
	features   Features
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, features Features) (*Orchestrator, error) {
	switch {
	case deps.State == nil:
		return nil, errors.New("state manager is required")
	case deps.Scheduler == nil:
		return nil, errors.New("retry scheduler is required")
	case deps.Validator == nil:
		return nil, errors.New("integrity validator is required")
	case deps.Middleware == nil:
		return nil, errors.New("request middleware is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		state:      deps.State,
		scheduler:  deps.Scheduler,
		validator:  deps.Validator,
		middleware: deps.Middleware,
		ids:        deps.IDs,
		clock:      deps.Clock,
		features:   features,
		logger:     logger,
	}, nil
}

// StartService starts the retry scheduler unless auto retry is disabled.
// Calling it twice is a no-op. After a StopService that timed out it fails
// with scheduler.ErrStopping until the old polling loop has drained.
func (o *Orchestrator) StartService(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	if o.features.AutoRetry {
		if err := o.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start retry scheduler: %w", err)
		}
	} else {
		o.logger.Info("auto retry disabled, scheduler not started")
	}
	o.running = true
	o.logger.Info("collection service started",
		zap.Bool("auto_retry", o.features.AutoRetry),
		zap.Bool("integrity_check", o.features.IntegrityCheck))
	return nil
}

// StopService stops the scheduler and persists the final state. Both steps
// run even if the first fails.
func (o *Orchestrator) StopService(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.running = false
	var errs []error
	if err := o.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop retry scheduler: %w", err))
	}
	if err := o.state.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist final state: %w", err))
	}
	o.logger.Info("collection service stopped", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Running reports whether StartService has completed and StopService has not
// been called since.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Middleware returns the shared request middleware.
func (o *Orchestrator) Middleware() *middleware.Middleware {
	return o.middleware
}

// RegisterRetryHandler binds a handler to a task type.
func (o *Orchestrator) RegisterRetryHandler(taskType collector.TaskType, handler collector.RetryHandler) {
	o.scheduler.Register(taskType, handler)
}

// CreateResumePoint saves a checkpoint for a task type.
func (o *Orchestrator) CreateResumePoint(ctx context.Context, in state.ResumePointInput) (string, error) {
	id, err := o.state.CreateResumePoint(ctx, in)
	if err != nil {
		return "", fmt.Errorf("create resume point: %w", err)
	}
	return id, nil
}

// UpdateResumePoint applies a partial update to a checkpoint.
func (o *Orchestrator) UpdateResumePoint(ctx context.Context, id string, upd collector.ResumePointUpdate) error {
	if err := o.state.UpdateResumePoint(ctx, id, upd); err != nil {
		return fmt.Errorf("update resume point: %w", err)
	}
	return nil
}

// GetResumePoint returns the latest checkpoint for a task type.
func (o *Orchestrator) GetResumePoint(taskType collector.TaskType) (collector.ResumePoint, bool) {
	return o.state.GetResumePoint(taskType)
}

// ResumePoints returns every stored resume point.
func (o *Orchestrator) ResumePoints() []collector.ResumePoint {
	return o.state.ListResumePoints()
}

// AddFailedTask queues a failed operation for retry.
func (o *Orchestrator) AddFailedTask(ctx context.Context, in state.FailedTaskInput) (string, error) {
	id, err := o.state.AddFailedTask(ctx, in)
	if err != nil {
		return "", fmt.Errorf("add failed task: %w", err)
	}
	return id, nil
}

// GetRetryableTasks returns the tasks ready for another attempt.
func (o *Orchestrator) GetRetryableTasks() []collector.FailedTask {
	return o.state.GetRetryableTasks()
}

// FailedTasks lists the queue, optionally only the ready tasks.
func (o *Orchestrator) FailedTasks(retryableOnly bool) []collector.FailedTask {
	if retryableOnly {
		return o.state.GetRetryableTasks()
	}
	return o.state.ListFailedTasks()
}

// StartRun creates a RUNNING collection state under a fresh run id.
func (o *Orchestrator) StartRun(ctx context.Context, taskType collector.TaskType) (string, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	if err := o.state.CreateCollectionState(ctx, runID, taskType); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// UpdateRun applies counter or status changes to a run.
func (o *Orchestrator) UpdateRun(ctx context.Context, runID string, upd collector.CollectionStateUpdate) error {
	if err := o.state.UpdateCollectionState(ctx, runID, upd); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// CompleteRun sets the final status of a run.
func (o *Orchestrator) CompleteRun(ctx context.Context, runID string, status collector.RunStatus) error {
	if status == collector.RunRunning {
		return fmt.Errorf("complete run %s: %w: status must be terminal", runID, state.ErrInvalidInput)
	}
	return o.UpdateRun(ctx, runID, collector.CollectionStateUpdate{Status: &status})
}

// GetRun returns the state of one run.
func (o *Orchestrator) GetRun(runID string) (collector.CollectionState, error) {
	return o.state.GetCollectionState(runID)
}

// ValidateIntegrity audits a run. With integrity checks disabled the report
// is valid and carries IntegrityDisabledWarning.
func (o *Orchestrator) ValidateIntegrity(ctx context.Context, runID string) integrity.Report {
	if !o.features.IntegrityCheck {
		return integrity.Report{
			RunID:     runID,
			Valid:     true,
			CheckedAt: o.clock.Now(),
			Errors:    []string{},
			Warnings:  []string{IntegrityDisabledWarning},
		}
	}
	return o.validator.Validate(ctx, runID)
}
