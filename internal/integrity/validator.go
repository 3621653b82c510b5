// Package integrity audits a collection run: the resume points and failed
// tasks of its task type, and the run's counters against what the output
// store actually holds.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
)

// Config holds the validation thresholds.
type Config struct {
	// StaleAfter flags resume points not updated for this long.
	StaleAfter time.Duration
	// MinCursorLength flags non-empty cursors shorter than this.
	MinCursorLength int
	// MinErrorMessageLength flags failed tasks with shorter error messages.
	MinErrorMessageLength int
	// OverdueGrace is how far past its retry time a pending task may be
	// before it is reported as overdue.
	OverdueGrace time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		StaleAfter:            7 * 24 * time.Hour,
		MinCursorLength:       10,
		MinErrorMessageLength: 5,
		OverdueGrace:          5 * time.Minute,
	}
}

// StateReader is the read side of the state manager.
type StateReader interface {
	GetCollectionState(runID string) (collector.CollectionState, error)
	ListResumePoints() []collector.ResumePoint
	ListFailedTasks() []collector.FailedTask
}

// PointCheck is the result for one resume point.
type PointCheck struct {
	PointID  string   `json:"point_id"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TaskCheck is the result for one failed task.
type TaskCheck struct {
	TaskID   string   `json:"task_id"`
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// DataCheck compares the run counters with the output store.
type DataCheck struct {
	Checked       bool     `json:"checked"`
	Expected      int64    `json:"total_expected"`
	Actual        int64    `json:"total_actual"`
	Missing       int64    `json:"missing"`
	DuplicateKeys []string `json:"duplicate_keys,omitempty"`
}

// Report is the outcome of Validate.
type Report struct {
	RunID        string             `json:"run_id"`
	TaskType     collector.TaskType `json:"task_type,omitempty"`
	Valid        bool               `json:"valid"`
	CheckedAt    time.Time          `json:"checked_at"`
	Errors       []string           `json:"errors"`
	Warnings     []string           `json:"warnings"`
	ResumePoints []PointCheck       `json:"resume_points"`
	FailedTasks  []TaskCheck        `json:"failed_tasks"`
	Data         DataCheck          `json:"data_integrity"`
}

func (r *Report) errorf(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator runs integrity checks.
type Validator struct {
	cfg    Config
	state  StateReader
	output collector.OutputStore
	clock  collector.Clock
	logger *zap.Logger
}

// New builds a Validator. output may be nil, in which case the data check
// is skipped.
func New(cfg Config, state StateReader, output collector.OutputStore, clock collector.Clock, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, state: state, output: output, clock: clock, logger: logger}
}

// Validate audits runID. Problems are reported in the Report, never as an
// error; an unknown run yields an invalid report.
func (v *Validator) Validate(ctx context.Context, runID string) Report {
	report := Report{
		RunID:     runID,
		Valid:     true,
		CheckedAt: v.clock.Now(),
		Errors:    []string{},
		Warnings:  []string{},
	}
	defer func() {
		metrics.ObserveIntegrityFindings("error", len(report.Errors))
		metrics.ObserveIntegrityFindings("warning", len(report.Warnings))
		v.logger.Info("integrity validation finished",
			zap.String("run_id", runID),
			zap.Bool("valid", report.Valid),
			zap.Int("errors", len(report.Errors)),
			zap.Int("warnings", len(report.Warnings)))
	}()

	run, err := v.state.GetCollectionState(runID)
	if err != nil {
		if errors.Is(err, collector.ErrNotFound) {
			report.errorf("run %s not found", runID)
		} else {
			report.errorf("load run %s: %v", runID, err)
		}
		return report
	}
	report.TaskType = run.TaskType

	now := report.CheckedAt
	for _, point := range v.state.ListResumePoints() {
		if point.TaskType != run.TaskType {
			continue
		}
		check := v.checkPoint(point, now)
		report.ResumePoints = append(report.ResumePoints, check)
		for _, e := range check.Errors {
			report.errorf("resume point %s: %s", point.ID, e)
		}
		for _, w := range check.Warnings {
			report.warnf("resume point %s: %s", point.ID, w)
		}
	}

	for _, task := range v.state.ListFailedTasks() {
		if task.TaskType != run.TaskType {
			continue
		}
		check := v.checkTask(task, now)
		report.FailedTasks = append(report.FailedTasks, check)
		for _, w := range check.Warnings {
			report.warnf("failed task %s: %s", task.TaskID, w)
		}
	}

	v.checkData(ctx, run, &report)
	return report
}

func (v *Validator) checkPoint(point collector.ResumePoint, now time.Time) PointCheck {
	check := PointCheck{PointID: point.ID, Valid: true}
	if point.CurrentPage < 1 {
		check.Valid = false
		check.Errors = append(check.Errors, fmt.Sprintf("current page %d is invalid", point.CurrentPage))
	}
	if point.TotalProcessed < 0 {
		check.Valid = false
		check.Errors = append(check.Errors, fmt.Sprintf("total processed %d is invalid", point.TotalProcessed))
	}
	if point.LastCursor != "" && len(point.LastCursor) < v.cfg.MinCursorLength {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("cursor length %d is below %d", len(point.LastCursor), v.cfg.MinCursorLength))
	}
	if age := now.Sub(point.LastUpdate); age > v.cfg.StaleAfter {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("last updated %s ago and may need revalidation", age.Truncate(time.Hour)))
	}
	return check
}

func (v *Validator) checkTask(task collector.FailedTask, now time.Time) TaskCheck {
	check := TaskCheck{TaskID: task.TaskID, Valid: true}
	if task.RetryCount > task.MaxRetries {
		check.Valid = false
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("retry count %d exceeds max retries %d", task.RetryCount, task.MaxRetries))
	}
	if len(task.ErrorMessage) < v.cfg.MinErrorMessageLength {
		check.Warnings = append(check.Warnings, "error message is incomplete")
	}
	if !task.Exhausted() && now.Sub(task.NextRetryTime) > v.cfg.OverdueGrace {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("retry is overdue since %s", task.NextRetryTime.Format(time.RFC3339)))
	}
	return check
}

// expectedItems is total_items for list runs that know their total and
// processed_items otherwise.
func expectedItems(run collector.CollectionState) int64 {
	if run.TaskType == collector.TaskListCollection && run.TotalItems > 0 {
		return int64(run.TotalItems)
	}
	return int64(run.ProcessedItems)
}

func (v *Validator) checkData(ctx context.Context, run collector.CollectionState, report *Report) {
	if v.output == nil {
		return
	}
	q := collector.OutputQuery{RunID: run.RunID, TaskType: run.TaskType, Since: run.StartTime}
	actual, err := v.output.CountItems(ctx, q)
	if err != nil {
		v.logger.Error("count output items failed", zap.String("run_id", run.RunID), zap.Error(err))
		report.warnf("output store unavailable: %v", err)
		return
	}
	dups, err := v.output.DuplicateKeys(ctx, q)
	if err != nil {
		v.logger.Error("load duplicate keys failed", zap.String("run_id", run.RunID), zap.Error(err))
		report.warnf("output store unavailable: %v", err)
		return
	}

	expected := expectedItems(run)
	report.Data = DataCheck{
		Checked:       true,
		Expected:      expected,
		Actual:        actual,
		DuplicateKeys: dups,
	}
	if actual < expected {
		report.Data.Missing = expected - actual
		report.warnf("%d missing items (expected %d, found %d)", report.Data.Missing, expected, actual)
	}
	if len(dups) > 0 {
		report.warnf("%d duplicate items", len(dups))
	}
}
