// Package breaker implements a circuit breaker that stops calling a failing
// endpoint and probes it again after a cooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/clock/system"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/metrics"
)

// State is the breaker position.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	// HalfOpenMaxCalls bounds concurrent trial calls while HALF_OPEN.
	// Zero means SuccessThreshold.
	HalfOpenMaxCalls int
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// StateChangeFunc observes transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to one dependency.
type Breaker struct {
	name   string
	cfg    Config
	clock  collector.Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	inFlight    int
	onChange    []StateChangeFunc
}

type transition struct {
	from, to State
}

// New creates a closed Breaker.
func New(name string, cfg Config, clock collector.Clock, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = cfg.SuccessThreshold
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(zap.String("breaker", name)),
		state:  StateClosed,
	}
}

// OnStateChange registers fn to be called after every transition.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An OPEN breaker whose recovery timeout has
// elapsed still reports OPEN until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		LastFailureTime: b.lastFailure,
	}
}

// Call runs fn unless the breaker is open. A rejection returns a
// *collector.CircuitOpenError without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.after(trial, callErr)
	return callErr
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		hooks := b.onChange
		b.mu.Unlock()
		b.notify(changed, hooks)
	}()

	switch b.state {
	case StateOpen:
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			return false, &collector.CircuitOpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		changed = b.setState(StateHalfOpen)
		b.successes = 0
		b.inFlight = 1
		return true, nil
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			return false, &collector.CircuitOpenError{Name: b.name}
		}
		b.inFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) after(trial bool, callErr error) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		hooks := b.onChange
		b.mu.Unlock()
		b.notify(changed, hooks)
	}()

	if trial && b.inFlight > 0 {
		b.inFlight--
	}
	if !countsAsFailure(callErr) {
		if callErr != nil {
			return
		}
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				changed = b.setState(StateClosed)
				b.failures = 0
				b.successes = 0
				b.inFlight = 0
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.lastFailure = b.clock.Now()
		changed = b.setState(StateOpen)
		b.successes = 0
		b.inFlight = 0
	case StateClosed:
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.failures >= b.cfg.FailureThreshold {
			changed = b.setState(StateOpen)
		}
	case StateOpen:
		// A call admitted before another caller tripped the breaker.
		b.lastFailure = b.clock.Now()
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(changed *transition, hooks []StateChangeFunc) {
	if changed == nil {
		return
	}
	b.logger.Info("circuit breaker state change",
		zap.String("from", string(changed.from)),
		zap.String("to", string(changed.to)))
	metrics.ObserveBreakerTransition(b.name, string(changed.to))
	for _, fn := range hooks {
		fn(b.name, changed.from, changed.to)
	}
}

// countsAsFailure excludes breaker rejections and caller cancellation, which
// say nothing about the health of the dependency.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, collector.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
