package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/config"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/middleware"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/state"
)

// Service is the part of the orchestrator the API exposes.
type Service interface {
	Running() bool
	ResumePoints() []collector.ResumePoint
	GetResumePoint(taskType collector.TaskType) (collector.ResumePoint, bool)
	FailedTasks(retryableOnly bool) []collector.FailedTask
	StartRun(ctx context.Context, taskType collector.TaskType) (string, error)
	GetRun(runID string) (collector.CollectionState, error)
	CompleteRun(ctx context.Context, runID string, status collector.RunStatus) error
	ValidateIntegrity(ctx context.Context, runID string) integrity.Report
}

// StatsSource reports request middleware counters.
type StatsSource interface {
	Stats() middleware.Stats
}

// Server wires HTTP handlers to the collection service.
type Server struct {
	router chi.Router
	svc    Service
	stats  StatsSource
	logger *zap.Logger
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, stats StatsSource, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		stats:  stats,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/resume-points", s.listResumePoints)
		r.Get("/resume-points/{task_type}", s.getResumePoint)
		r.Get("/failed-tasks", s.listFailedTasks)
		r.Post("/runs", s.startRun)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/complete", s.completeRun)
			r.Get("/integrity", s.validateRun)
		})
		r.Get("/middleware/stats", s.middlewareStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.Running() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listResumePoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"resume_points": s.svc.ResumePoints()})
}

func (s *Server) getResumePoint(w http.ResponseWriter, r *http.Request) {
	taskType := collector.TaskType(chi.URLParam(r, "task_type"))
	point, ok := s.svc.GetResumePoint(taskType)
	if !ok {
		s.writeError(w, http.StatusNotFound, "resume point not found")
		return
	}
	s.writeJSON(w, http.StatusOK, point)
}

func (s *Server) listFailedTasks(w http.ResponseWriter, r *http.Request) {
	retryableOnly := false
	if raw := r.URL.Query().Get("retryable"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "retryable must be a boolean")
			return
		}
		retryableOnly = parsed
	}
	tasks := s.svc.FailedTasks(retryableOnly)
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(tasks), "failed_tasks": tasks})
}

type startRunRequest struct {
	TaskType collector.TaskType `json:"task_type"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskType == "" {
		s.writeError(w, http.StatusBadRequest, "missing task_type")
		return
	}
	runID, err := s.svc.StartRun(r.Context(), req.TaskType)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, statusFor(err), "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

type completeRunRequest struct {
	Status collector.RunStatus `json:"status"`
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if err := s.svc.CompleteRun(r.Context(), runID, req.Status); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(req.Status)})
}

func (s *Server) validateRun(w http.ResponseWriter, r *http.Request) {
	report := s.svc.ValidateIntegrity(r.Context(), chi.URLParam(r, "run_id"))
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) middlewareStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusNotFound, "middleware stats unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.stats.Stats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrRunExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
