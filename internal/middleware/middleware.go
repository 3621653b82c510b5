// Package middleware composes rate limiting, identity rotation, circuit
// breaking and retries into the single entry point collectors use to reach
// the remote service.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/breaker"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/identity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/ratelimit"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/retry"
)

const tracerName = "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/middleware"

// rateLimitDelayThreshold is the Acquire duration above which a call counts
// as delayed in Stats.
const rateLimitDelayThreshold = time.Millisecond

// Options carries per-call request details.
type Options struct {
	Headers http.Header
	Body    []byte
}

// Deps wires the collaborators of a Middleware. Transport, Limiter, Breaker
// and Retry are required.
type Deps struct {
	Transport   collector.Transport
	Limiter     *ratelimit.Limiter
	HostLimiter *ratelimit.HostLimiter
	Breaker     *breaker.Breaker
	Retry       *retry.Handler
	Identity    *identity.Rotator
	Logger      *zap.Logger
}

// Middleware performs network operations with resilience.
type Middleware struct {
	transport collector.Transport
	limiter   *ratelimit.Limiter
	hosts     *ratelimit.HostLimiter
	breaker   *breaker.Breaker
	retry     *retry.Handler
	identity  *identity.Rotator
	logger    *zap.Logger
	tracer    trace.Tracer

	total          atomic.Int64
	successful     atomic.Int64
	failed         atomic.Int64
	retried        atomic.Int64
	breakerTrips   atomic.Int64
	rejected       atomic.Int64
	rateLimitDelay atomic.Int64
}

// New validates deps and returns a Middleware.
func New(deps Deps) (*Middleware, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("middleware: transport is required")
	case deps.Limiter == nil:
		return nil, errors.New("middleware: rate limiter is required")
	case deps.Breaker == nil:
		return nil, errors.New("middleware: circuit breaker is required")
	case deps.Retry == nil:
		return nil, errors.New("middleware: retry handler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rotator := deps.Identity
	if rotator == nil {
		rotator = identity.New(identity.Config{}, nil, logger)
	}
	m := &Middleware{
		transport: deps.Transport,
		limiter:   deps.Limiter,
		hosts:     deps.HostLimiter,
		breaker:   deps.Breaker,
		retry:     deps.Retry,
		identity:  rotator,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
	deps.Breaker.OnStateChange(func(_ string, _, to breaker.State) {
		if to == breaker.StateOpen {
			m.breakerTrips.Add(1)
		}
	})
	return m, nil
}

// Get is shorthand for Do with GET and no options.
func (m *Middleware) Get(ctx context.Context, url string) (*collector.Response, error) {
	return m.Do(ctx, http.MethodGet, url, Options{})
}

// Do performs one logical request. It rotates identity, waits for rate limit
// capacity, then runs the transport call through the breaker and the retry
// handler. The concurrency slot is released on every exit path. A breaker
// rejection is returned as *collector.CircuitOpenError.
func (m *Middleware) Do(ctx context.Context, method, url string, opts Options) (*collector.Response, error) {
	ctx, span := m.tracer.Start(ctx, "middleware.Do", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("url.full", url),
	))
	defer span.End()

	m.total.Add(1)
	ident := m.identity.Next()

	if m.hosts != nil {
		if err := m.hosts.Wait(ctx, url); err != nil {
			return nil, m.finish(span, url, nil, err)
		}
	}
	start := time.Now()
	if err := m.limiter.Acquire(ctx); err != nil {
		return nil, m.finish(span, url, nil, err)
	}
	defer m.limiter.Release()
	if time.Since(start) > rateLimitDelayThreshold {
		m.rateLimitDelay.Add(1)
	}

	var (
		resp     *collector.Response
		attempts int
	)
	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		return m.retry.Execute(ctx, func(ctx context.Context) error {
			attempts++
			if attempts > 1 {
				m.retried.Add(1)
				metrics.ObserveRetry(url)
			}
			r, err := m.perform(ctx, method, url, opts, ident)
			if err != nil {
				if ident.Proxy != "" && identity.IsProxyError(err) {
					m.identity.MarkProxyFailed(ident.Proxy)
					ident.Proxy = m.identity.Next().Proxy
				}
				return err
			}
			resp = r
			return nil
		})
	})
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	return resp, m.finish(span, url, resp, err)
}

func (m *Middleware) perform(
	ctx context.Context,
	method, url string,
	opts Options,
	ident identity.Identity,
) (*collector.Response, error) {
	headers := opts.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", ident.UserAgent)
	}
	resp, err := m.transport.Perform(ctx, collector.Request{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    opts.Body,
		Proxy:   ident.Proxy,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &collector.HTTPStatusError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
		}
	}
	return resp, nil
}

func (m *Middleware) finish(span trace.Span, url string, resp *collector.Response, err error) error {
	if err == nil {
		m.successful.Add(1)
		metrics.ObserveRequest(url, "success")
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, collector.ErrCircuitOpen) {
		m.rejected.Add(1)
		metrics.ObserveRequest(url, "circuit_open")
		m.logger.Warn("request rejected by circuit breaker", zap.String("url", url), zap.Error(err))
		return err
	}
	m.failed.Add(1)
	metrics.ObserveRequest(url, "failure")
	m.logger.Warn("request failed", zap.String("url", url), zap.Error(err))
	return fmt.Errorf("request %s: %w", url, err)
}

// Breaker exposes the breaker for health reporting.
func (m *Middleware) Breaker() *breaker.Breaker {
	return m.breaker
}

// Stats is a snapshot of middleware counters.
type Stats struct {
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	RejectedRequests    int64            `json:"rejected_requests"`
	RetriedRequests     int64            `json:"retried_requests"`
	CircuitBreakerTrips int64            `json:"circuit_breaker_trips"`
	RateLimitDelays     int64            `json:"rate_limit_delays"`
	SuccessRate         float64          `json:"success_rate"`
	Breaker             breaker.Snapshot `json:"circuit_breaker"`
	FailedProxies       []string         `json:"failed_proxies"`
}

// Stats returns the current counters.
func (m *Middleware) Stats() Stats {
	s := Stats{
		TotalRequests:       m.total.Load(),
		SuccessfulRequests:  m.successful.Load(),
		FailedRequests:      m.failed.Load(),
		RejectedRequests:    m.rejected.Load(),
		RetriedRequests:     m.retried.Load(),
		CircuitBreakerTrips: m.breakerTrips.Load(),
		RateLimitDelays:     m.rateLimitDelay.Load(),
		Breaker:             m.breaker.Snapshot(),
		FailedProxies:       m.identity.FailedProxies(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	return s
}

// ResetStats zeroes the counters. Breaker state is not touched.
func (m *Middleware) ResetStats() {
	m.total.Store(0)
	m.successful.Store(0)
	m.failed.Store(0)
	m.rejected.Store(0)
	m.retried.Store(0)
	m.breakerTrips.Store(0)
	m.rateLimitDelay.Store(0)
}
