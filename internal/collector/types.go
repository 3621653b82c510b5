// Package collector defines the core types shared by the resilience middleware
// and the resume/retry coordinator.
package collector

import (
	"net/http"
	"time"
)

// TaskType names a family of collection work. Resume points and failed tasks
// are grouped by task type and retry handlers are registered per task type.
type TaskType string

// Task types produced by the marketplace collectors.
const (
	TaskListCollection   TaskType = "LIST_COLLECTION"
	TaskDetailCollection TaskType = "DETAIL_COLLECTION"
	TaskImageDownload    TaskType = "IMAGE_DOWNLOAD"
	TaskDataProcessing   TaskType = "DATA_PROCESSING"
)

// RunStatus represents the lifecycle state of a collection run.
type RunStatus string

// Run status values persisted in the collection state document.
const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunPaused  RunStatus = "PAUSED"
)

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunFailed, RunPaused:
		return true
	default:
		return false
	}
}

// ResumePoint is a durable pagination checkpoint for one task type.
type ResumePoint struct {
	ID             string         `json:"id"`
	TaskType       TaskType       `json:"task_type"`
	CurrentPage    int            `json:"current_page"`
	LastCursor     string         `json:"last_cursor,omitempty"`
	LastSlug       string         `json:"last_slug,omitempty"`
	TotalProcessed int            `json:"total_processed"`
	LastUpdate     time.Time      `json:"last_update"`
	Metadata       map[string]any `json:"metadata"`
}

// FailedTask is an operation that did not succeed immediately and is waiting
// in the retry queue.
type FailedTask struct {
	TaskID        string         `json:"task_id"`
	TaskType      TaskType       `json:"task_type"`
	Target        string         `json:"target"`
	ErrorMessage  string         `json:"error_message"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	NextRetryTime time.Time      `json:"next_retry_time"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      map[string]any `json:"metadata"`
}

// Exhausted reports whether the task has used all of its retries.
func (t FailedTask) Exhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// CollectionState tracks the counters of one collection run.
type CollectionState struct {
	RunID          string    `json:"run_id"`
	TaskType       TaskType  `json:"task_type"`
	Status         RunStatus `json:"status"`
	StartTime      time.Time `json:"start_time"`
	LastUpdate     time.Time `json:"last_update"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	FailedItems    int       `json:"failed_items"`
}

// ResumePointUpdate carries the fields to change on an existing resume point.
// Nil fields are left untouched; Metadata keys are merged.
type ResumePointUpdate struct {
	CurrentPage    *int
	LastCursor     *string
	LastSlug       *string
	TotalProcessed *int
	Metadata       map[string]any
}

// CollectionStateUpdate carries the fields to change on a collection run.
type CollectionStateUpdate struct {
	Status         *RunStatus
	TotalItems     *int
	ProcessedItems *int
	FailedItems    *int
}

// Request describes a single transport call.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	// Proxy is an optional proxy URL chosen by the identity rotator.
	Proxy string
}

// Response is the result returned by a Transport implementation.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Ptr returns a pointer to v. It keeps partial update literals short.
func Ptr[T any](v T) *T {
	return &v
}

// CloneMetadata returns a shallow copy of m that never aliases the original.
func CloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
