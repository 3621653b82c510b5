// Package scheduler drains the failed-task queue. It polls the state manager
// for tasks whose retry time has passed and dispatches them to the retry
// handler registered for their task type on a bounded pool of goroutines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
)

const tracerName = "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/scheduler"

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("retry scheduler already running")
	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	ErrStopTimeout = errors.New("retry scheduler did not stop in time")
	// ErrStopping is returned by Start while a loop that timed out in Stop
	// is still finishing its last pass.
	ErrStopping = errors.New("retry scheduler is still stopping")
)

// Config tunes polling and backoff.
type Config struct {
	PollInterval   time.Duration
	MaxWorkers     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// StopTimeout bounds how long Stop waits for in-flight handlers.
	StopTimeout time.Duration
	// EscalationTopic receives an event when a task exhausts its retries.
	// Escalation is disabled when empty.
	EscalationTopic string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		MaxWorkers:     5,
		BaseRetryDelay: 300 * time.Second,
		MaxRetryDelay:  time.Hour,
		StopTimeout:    30 * time.Second,
	}
}

// TaskStore is the part of the state manager the scheduler drives.
type TaskStore interface {
	GetRetryableTasks() []collector.FailedTask
	MarkTaskSuccess(ctx context.Context, id string) error
	MarkTaskRetry(ctx context.Context, id string, next time.Time, reason string) (collector.FailedTask, error)
}

// Summary counts the outcomes of one polling pass.
type Summary struct {
	Ready     int
	Succeeded int
	Retried   int
	Exhausted int
	Skipped   int
}

// EscalationEvent is published when a task uses up its last retry.
type EscalationEvent struct {
	TaskID       string             `json:"task_id"`
	TaskType     collector.TaskType `json:"task_type"`
	Target       string             `json:"target"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	ErrorMessage string             `json:"error_message"`
	CreatedAt    time.Time          `json:"created_at"`
	EscalatedAt  time.Time          `json:"escalated_at"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// Scheduler polls for ready tasks and retries them.
type Scheduler struct {
	cfg       Config
	store     TaskStore
	clock     collector.Clock
	publisher collector.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	mu       sync.RWMutex
	handlers map[collector.TaskType]collector.RetryHandler

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

// New constructs a Scheduler. publisher may be nil.
func New(
	cfg Config,
	store TaskStore,
	clock collector.Clock,
	publisher collector.Publisher,
	logger *zap.Logger,
) *Scheduler {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaults.MaxWorkers
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = defaults.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		handlers:  make(map[collector.TaskType]collector.RetryHandler),
		inFlight:  make(map[string]struct{}),
	}
}

// Register binds handler to taskType, replacing any previous handler.
func (s *Scheduler) Register(taskType collector.TaskType, handler collector.RetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
	s.logger.Info("retry handler registered", zap.String("task_type", string(taskType)))
}

func (s *Scheduler) handler(taskType collector.TaskType) (collector.RetryHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Backoff returns the wait before the next retry of a task that has already
// been retried retryCount times.
func (s *Scheduler) Backoff(retryCount int) time.Duration {
	delay := s.cfg.BaseRetryDelay
	for range retryCount {
		delay *= 2
		if delay >= s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
	}
	return min(delay, s.cfg.MaxRetryDelay)
}

// Start launches the polling loop. The loop runs until ctx is cancelled or
// Stop is called. A loop left behind by a timed out Stop must exit before a
// new one can start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
			s.done, s.cancel = nil, nil
		default:
			if s.cancel != nil {
				return ErrAlreadyRunning
			}
			return ErrStopping
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.logger.Info("retry scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_workers", s.cfg.MaxWorkers))
	return nil
}

// Stop cancels the polling loop and waits up to StopTimeout for the current
// pass to finish. Running handlers are not interrupted. On timeout the loop
// keeps draining in the background and Stop may be called again to wait for
// it.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.done:
		s.done = nil
		s.logger.Info("retry scheduler stopped")
		return nil
	case <-timer.C:
		err = ErrStopTimeout
	case <-ctx.Done():
		err = fmt.Errorf("stop retry scheduler: %w", ctx.Err())
	}
	s.logger.Warn("retry scheduler stop incomplete", zap.Error(err))
	return err
}

// Running reports whether a polling loop is still alive, including one that
// is draining after a timed out Stop.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		summary := s.RunOnce(ctx)
		if summary.Ready > 0 {
			s.logger.Info("retry pass finished",
				zap.Int("ready", summary.Ready),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("retried", summary.Retried),
				zap.Int("exhausted", summary.Exhausted),
				zap.Int("skipped", summary.Skipped))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single polling pass and blocks until every dispatched
// handler has returned. Cancelling ctx stops new dispatches only. A task whose
// handler is still running from another pass is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	tasks := s.store.GetRetryableTasks()
	metrics.SetRetryQueueReady(len(tasks))

	var succeeded, retried, exhausted, skipped atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxWorkers)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		handler, ok := s.handler(task.TaskType)
		if !ok {
			skipped.Add(1)
			s.logger.Warn("no retry handler registered",
				zap.String("task_id", task.TaskID),
				zap.String("task_type", string(task.TaskType)))
			continue
		}
		if !s.claim(task.TaskID) {
			skipped.Add(1)
			s.logger.Debug("retry already in flight", zap.String("task_id", task.TaskID))
			continue
		}
		g.Go(func() error {
			defer s.release(task.TaskID)
			switch s.dispatch(ctx, handler, task) {
			case outcomeSuccess:
				succeeded.Add(1)
			case outcomeRetry:
				retried.Add(1)
			case outcomeExhausted:
				exhausted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Summary{
		Ready:     len(tasks),
		Succeeded: int(succeeded.Load()),
		Retried:   int(retried.Load()),
		Exhausted: int(exhausted.Load()),
		Skipped:   int(skipped.Load()),
	}
}

func (s *Scheduler) claim(id string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	delete(s.inFlight, id)
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeSuccess
	outcomeRetry
	outcomeExhausted
)

func (s *Scheduler) dispatch(ctx context.Context, handler collector.RetryHandler, task collector.FailedTask) outcome {
	// Handlers and the bookkeeping after them finish even when Stop cancels ctx.
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "scheduler.retry", trace.WithAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("task.type", string(task.TaskType)),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	metrics.IncActiveRetryWorkers()
	ok, err := attempt(ctx, handler, task)
	metrics.DecActiveRetryWorkers()

	logger := s.logger.With(zap.String("task_id", task.TaskID), zap.String("task_type", string(task.TaskType)))
	if ok && err == nil {
		if markErr := s.store.MarkTaskSuccess(ctx, task.TaskID); markErr != nil {
			logger.Error("mark task success failed", zap.Error(markErr))
			span.RecordError(markErr)
			return outcomeError
		}
		metrics.ObserveRetryDispatch(string(task.TaskType), "success")
		logger.Info("retry succeeded", zap.Int("retry_count", task.RetryCount))
		return outcomeSuccess
	}

	reason := "retry handler reported failure"
	if err != nil {
		reason = err.Error()
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, reason)

	next := s.clock.Now().Add(s.Backoff(task.RetryCount))
	updated, markErr := s.store.MarkTaskRetry(ctx, task.TaskID, next, reason)
	if markErr != nil {
		logger.Error("mark task retry failed", zap.Error(markErr))
		return outcomeError
	}
	if updated.Exhausted() {
		metrics.ObserveRetryDispatch(string(task.TaskType), "exhausted")
		logger.Warn("retries exhausted",
			zap.Int("retry_count", updated.RetryCount),
			zap.String("error", reason))
		s.escalate(ctx, updated)
		return outcomeExhausted
	}
	metrics.ObserveRetryDispatch(string(task.TaskType), "retry")
	logger.Info("retry failed, rescheduled",
		zap.Int("retry_count", updated.RetryCount),
		zap.Time("next_retry_time", next),
		zap.String("error", reason))
	return outcomeRetry
}

// attempt runs the handler and turns a panic into an error.
func attempt(ctx context.Context, handler collector.RetryHandler, task collector.FailedTask) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("retry handler panicked: %v", r)
		}
	}()
	return handler.Attempt(ctx, task.Target, collector.CloneMetadata(task.Metadata))
}

func (s *Scheduler) escalate(ctx context.Context, task collector.FailedTask) {
	if s.publisher == nil || s.cfg.EscalationTopic == "" {
		return
	}
	event := EscalationEvent{
		TaskID:       task.TaskID,
		TaskType:     task.TaskType,
		Target:       task.Target,
		RetryCount:   task.RetryCount,
		MaxRetries:   task.MaxRetries,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		EscalatedAt:  s.clock.Now(),
		Metadata:     task.Metadata,
	}
	id, err := s.publisher.Publish(ctx, s.cfg.EscalationTopic, event)
	if err != nil {
		s.logger.Error("publish escalation failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	s.logger.Info("escalation published", zap.String("task_id", task.TaskID), zap.String("message_id", id))
}
