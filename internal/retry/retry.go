// Package retry re-runs failed operations with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// ErrorClass is a coarse failure category used by the retryability predicate.
type ErrorClass string

// Known error classes.
const (
	ClassNetwork    ErrorClass = "network"
	ClassTimeout    ErrorClass = "timeout"
	ClassHTTPStatus ErrorClass = "http_status"
	ClassUnknown    ErrorClass = "unknown"
)

// Config controls the backoff curve and which failures are retried.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RetryableClasses lists the error classes worth another attempt.
	RetryableClasses []ErrorClass
	// RetryableStatusCodes narrows ClassHTTPStatus to these codes.
	RetryableStatusCodes []int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		BaseDelay:            time.Second,
		MaxDelay:             60 * time.Second,
		BackoffFactor:        2.0,
		Jitter:               true,
		RetryableClasses:     []ErrorClass{ClassNetwork, ClassTimeout, ClassHTTPStatus},
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

// Operation is a unit of work that may be attempted more than once.
type Operation func(ctx context.Context) error

// Handler executes operations with retries.
type Handler struct {
	cfg    Config
	logger *zap.Logger
	// newTimer is swapped in tests. A nil timer uses the backoff default.
	newTimer func() backoff.Timer
}

// New builds a Handler. Zero-valued delays fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, logger: logger, newTimer: func() backoff.Timer { return nil }}
}

// Config returns the effective configuration.
func (h *Handler) Config() Config {
	return h.cfg
}

// Delay returns the un-jittered wait before retry number attempt (1-based).
func (h *Handler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(h.cfg.BaseDelay) * math.Pow(h.cfg.BackoffFactor, float64(attempt-1))
	if delay > float64(h.cfg.MaxDelay) || math.IsInf(delay, 1) {
		return h.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (h *Handler) jitteredDelay(attempt int) time.Duration {
	delay := h.Delay(attempt)
	if !h.cfg.Jitter {
		return delay
	}
	delay += randomJitter(delay / 10)
	if delay > h.cfg.MaxDelay {
		delay = h.cfg.MaxDelay
	}
	return delay
}

// Classify maps an error onto an ErrorClass.
func Classify(err error) ErrorClass {
	var (
		statusErr *collector.HTTPStatusError
		netErr    *collector.NetworkError
		stdNetErr net.Error
	)
	switch {
	case errors.As(err, &statusErr):
		return ClassHTTPStatus
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	case errors.As(err, &stdNetErr):
		if stdNetErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// Retryable reports whether err deserves another attempt.
func (h *Handler) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, collector.ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	class := Classify(err)
	if !slices.Contains(h.cfg.RetryableClasses, class) {
		return false
	}
	if class == ClassHTTPStatus {
		var statusErr *collector.HTTPStatusError
		errors.As(err, &statusErr)
		return slices.Contains(h.cfg.RetryableStatusCodes, statusErr.StatusCode)
	}
	return true
}

// curve is the backoff.BackOff driving Execute: Delay plus jitter for each
// retry, then backoff.Stop once MaxRetries retries have been handed out.
type curve struct {
	h       *Handler
	retries int
}

func (c *curve) NextBackOff() time.Duration {
	if c.retries >= c.h.cfg.MaxRetries {
		return backoff.Stop
	}
	c.retries++
	return c.h.jitteredDelay(c.retries)
}

func (c *curve) Reset() {
	c.retries = 0
}

// Execute calls op until it succeeds, fails with a non-retryable error, or has
// been called MaxRetries+1 times. The last error is returned unchanged.
func (h *Handler) Execute(ctx context.Context, op Operation) error {
	var (
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		lastErr = op(ctx)
		if lastErr != nil && !h.Retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, delay time.Duration) {
		h.logger.Debug("retrying operation",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.String("class", string(Classify(err))),
			zap.Error(err))
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(&curve{h: h}, ctx), notify, h.newTimer())
	switch {
	case err == nil:
		return nil
	case !h.Retryable(lastErr):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry backoff interrupted: %w", errors.Join(lastErr, ctx.Err()))
	}
	h.logger.Warn("retries exhausted",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return lastErr
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
