// Package ratelimit paces outgoing requests. Limiter enforces a sliding window
// plus a concurrency ceiling for the whole middleware; HostLimiter adds a
// per-host token bucket on top of it.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
)

// Config holds the limiter settings.
type Config struct {
	MaxRequestsPerSecond float64
	MaxConcurrent        int
	// BurstSize is the token bucket burst used by HostLimiter.
	BurstSize  int
	TimeWindow time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerSecond: 4.0,
		MaxConcurrent:        5,
		BurstSize:            10,
		TimeWindow:           time.Second,
	}
}

// Limiter admits at most MaxRequestsPerSecond acquisitions in any trailing
// TimeWindow and at most MaxConcurrent holders at once.
type Limiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
	sem    *semaphore.Weighted
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Limiter. Non-positive values fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = def.TimeWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limit:  int(math.Ceil(cfg.MaxRequestsPerSecond)),
		window: cfg.TimeWindow,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:    time.Now,
		logger: logger,
	}
}

// Acquire blocks until the window has room and a concurrency slot is free.
// Every successful Acquire must be paired with Release. The only error is
// the context's.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		wait, ok := l.reserve()
		if ok {
			break
		}
		l.logger.Debug("rate limit window full", zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire concurrency slot: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// reserve records a timestamp when the window has room. Otherwise it returns
// how long until the oldest entry ages out.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.stamps) && !l.stamps[drop].After(cutoff) {
		drop++
	}
	l.stamps = l.stamps[drop:]

	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return 0, true
	}
	wait := l.stamps[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}
