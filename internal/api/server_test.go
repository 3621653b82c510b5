package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/config"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/middleware"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/state"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})
	rec := serve(server, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ReadyzFollowsService(t *testing.T) {
	t.Parallel()

	server, svc := newTestServer(t, config.AuthConfig{})
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", nil).Code)

	svc.setRunning(true)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})
	serve(server, http.MethodGet, "/healthz", nil)
	rec := serve(server, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_GetResumePoint(t *testing.T) {
	t.Parallel()

	server, svc := newTestServer(t, config.AuthConfig{})
	svc.points[collector.TaskListCollection] = collector.ResumePoint{
		ID: "LIST_COLLECTION_1709294400", TaskType: collector.TaskListCollection, CurrentPage: 7, TotalProcessed: 140,
	}

	rec := serve(server, http.MethodGet, "/v1/resume-points/LIST_COLLECTION", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var point collector.ResumePoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &point))
	require.Equal(t, 7, point.CurrentPage)

	rec = serve(server, http.MethodGet, "/v1/resume-points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "LIST_COLLECTION_1709294400")

	rec = serve(server, http.MethodGet, "/v1/resume-points/IMAGE_DOWNLOAD", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListFailedTasks(t *testing.T) {
	t.Parallel()

	server, svc := newTestServer(t, config.AuthConfig{})
	svc.tasks = []collector.FailedTask{
		{TaskID: "DETAIL_COLLECTION_aaa", TaskType: collector.TaskDetailCollection, RetryCount: 0, MaxRetries: 3},
		{TaskID: "DETAIL_COLLECTION_bbb", TaskType: collector.TaskDetailCollection, RetryCount: 3, MaxRetries: 3},
	}

	rec := serve(server, http.MethodGet, "/v1/failed-tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":2`)

	rec = serve(server, http.MethodGet, "/v1/failed-tasks?retryable=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)
	require.NotContains(t, rec.Body.String(), "DETAIL_COLLECTION_bbb")

	rec = serve(server, http.MethodGet, "/v1/failed-tasks?retryable=maybe", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunLifecycle(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})

	rec := serve(server, http.MethodPost, "/v1/runs", []byte(`{"task_type":"DETAIL_COLLECTION"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	runID := started["run_id"]
	require.Equal(t, "run-1", runID)

	rec = serve(server, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"RUNNING"`)

	rec = serve(server, http.MethodPost, "/v1/runs/"+runID+"/complete", []byte(`{"status":"RUNNING"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/runs/"+runID+"/complete", []byte(`{"status":"SUCCESS"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/runs/"+runID+"/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report integrity.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.Valid)
	require.Equal(t, runID, report.RunID)
}

func TestServer_RunErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})

	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodPost, "/v1/runs", []byte(`{invalid`)).Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/runs/missing", nil).Code)
	require.Equal(t, http.StatusNotFound,
		serve(server, http.MethodPost, "/v1/runs/missing/complete", []byte(`{"status":"FAILED"}`)).Code)
	require.Equal(t, http.StatusBadRequest,
		serve(server, http.MethodPost, "/v1/runs/missing/complete", []byte(`{"status":"DONE"}`)).Code)
}

func TestServer_MiddlewareStats(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})
	rec := serve(server, http.MethodGet, "/v1/middleware/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats middleware.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.EqualValues(t, 10, stats.TotalRequests)
	require.InDelta(t, 0.9, stats.SuccessRate, 1e-9)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{Enabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/failed-tasks", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/failed-tasks?api_key=secret", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/failed-tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.AuthConfig{})
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *fakeService) {
	t.Helper()
	svc := &fakeService{
		points: map[collector.TaskType]collector.ResumePoint{},
		runs:   map[string]collector.CollectionState{},
	}
	stats := fakeStats{stats: middleware.Stats{TotalRequests: 10, SuccessfulRequests: 9, FailedRequests: 1, SuccessRate: 0.9}}
	return NewServer(svc, stats, auth, zaptest.NewLogger(t)), svc
}

type fakeService struct {
	mu      sync.Mutex
	running bool
	points  map[collector.TaskType]collector.ResumePoint
	tasks   []collector.FailedTask
	runs    map[string]collector.CollectionState
	nextRun int
}

func (f *fakeService) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func (f *fakeService) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeService) ResumePoints() []collector.ResumePoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collector.ResumePoint, 0, len(f.points))
	for _, p := range f.points {
		out = append(out, p)
	}
	return out
}

func (f *fakeService) GetResumePoint(taskType collector.TaskType) (collector.ResumePoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[taskType]
	return p, ok
}

func (f *fakeService) FailedTasks(retryableOnly bool) []collector.FailedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collector.FailedTask, 0, len(f.tasks))
	for _, task := range f.tasks {
		if retryableOnly && task.Exhausted() {
			continue
		}
		out = append(out, task)
	}
	return out
}

func (f *fakeService) StartRun(_ context.Context, taskType collector.TaskType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	runID := fmt.Sprintf("run-%d", f.nextRun)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.runs[runID] = collector.CollectionState{
		RunID: runID, TaskType: taskType, Status: collector.RunRunning, StartTime: now, LastUpdate: now,
	}
	return runID, nil
}

func (f *fakeService) GetRun(runID string) (collector.CollectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return collector.CollectionState{}, fmt.Errorf("run %s: %w", runID, collector.ErrNotFound)
	}
	return run, nil
}

func (f *fakeService) CompleteRun(_ context.Context, runID string, status collector.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == collector.RunRunning {
		return fmt.Errorf("complete run %s: %w", runID, state.ErrInvalidInput)
	}
	run, ok := f.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, collector.ErrNotFound)
	}
	run.Status = status
	f.runs[runID] = run
	return nil
}

func (f *fakeService) ValidateIntegrity(_ context.Context, runID string) integrity.Report {
	return integrity.Report{RunID: runID, Valid: true, Errors: []string{}, Warnings: []string{}}
}

type fakeStats struct {
	stats middleware.Stats
}

func (f fakeStats) Stats() middleware.Stats {
	return f.stats
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
