// Package resilience keeps the assistant connected when a link provider is
// failing: a [CircuitBreaker] per provider stops hammering a service that
// keeps rejecting connections, and [Failover] tries the configured providers
// in order.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// select the defaults above.
type CircuitBreakerConfig struct {
	// Name labels log messages, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to close again.
	HalfOpenMax int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger
	now          func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	lastFailure    time.Time
	trials         int
	trialSuccesses int
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		now:          cfg.now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = DefaultMaxFailures
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = DefaultResetTimeout
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = DefaultHalfOpenMax
	}
	if cb.log == nil {
		cb.log = slog.Default()
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome. An open
// breaker returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failLocked(trial)
	} else {
		cb.succeedLocked(trial)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials, cb.trialSuccesses = 0, 0
		cb.log.Info("circuit breaker half-open", "name", cb.name)
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) failLocked(trial bool) {
	cb.lastFailure = cb.now()
	if trial {
		cb.state = StateOpen
		cb.log.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.log.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

func (cb *CircuitBreaker) succeedLocked(trial bool) {
	if !trial {
		cb.failures = 0
		return
	}
	cb.trialSuccesses++
	if cb.trialSuccesses >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.failures = 0
		cb.log.Info("circuit breaker closed", "name", cb.name)
	} else {
		// Free the slot for the next trial.
		cb.trials--
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials, cb.trialSuccesses = 0, 0
}
