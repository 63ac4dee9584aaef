package errors

import (
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = New(KindCircuitOpen, "circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is the normal state where requests are allowed.
	StateClosed State = iota
	// StateOpen is when the circuit is tripped and requests are blocked.
	StateOpen
	// StateHalfOpen is when the next call is admitted as a probe.
	StateHalfOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates an unreliable dependency to prevent cascading
// failure. A run of consecutive failures opens the circuit; after the
// reset timeout the next call is a half-open probe.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	// now is swappable for tests.
	now func() time.Time

	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time

	// onTransition, if set, observes state changes (for metrics).
	onTransition func(from, to State)
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets the consecutive-failure threshold that opens the circuit.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxFailures = n
	}
}

// WithResetTimeout sets the time the circuit stays open before a probe is allowed.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = d
	}
}

// WithClock overrides the breaker's time source. Tests use this to step
// through the open window without sleeping.
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithTransitionHook registers a callback invoked on every state change.
func WithTransitionHook(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onTransition = fn
	}
}

// NewCircuitBreaker creates a breaker with the given name.
// Default: 5 consecutive failures, 30 second reset timeout.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		state:        StateClosed,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, accounting for reset-timeout expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

// currentState returns the state, checking for transition to half-open.
// Must be called with at least a read lock held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Allow reports whether a request should be admitted. Half-open admits
// the probe call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState() != StateOpen
}

// RecordSuccess records a successful request and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.failures = 0
	cb.state = StateClosed
	cb.notify(prev, StateClosed)
}

// RecordFailure records a failed request, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	if cb.failures >= cb.maxFailures {
		prev := cb.state
		cb.state = StateOpen
		cb.notify(prev, StateOpen)
	}
}

// notify fires the transition hook. Must be called with the lock held.
func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onTransition != nil && from != to {
		cb.onTransition(from, to)
	}
}

// Execute runs fn through the breaker. ExecuteWithFallback is preferred
// where a degraded result exists; Execute returns ErrCircuitOpen while open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := ExecuteWithFallback(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	}, func() (struct{}, error) {
		return struct{}{}, ErrCircuitOpen
	})
	return err
}

// ExecuteWithFallback runs fn through the breaker cb. While the circuit is
// open, fallback is called instead. A half-open probe that fails re-opens
// the circuit and also falls back.
func ExecuteWithFallback[T any](cb *CircuitBreaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	cb.mu.Lock()
	state := cb.currentState()

	switch state {
	case StateOpen:
		cb.mu.Unlock()
		return fallback()

	case StateHalfOpen:
		prev := cb.state
		cb.state = StateHalfOpen
		cb.notify(prev, StateHalfOpen)
		cb.mu.Unlock()

		result, err := fn()
		if err != nil {
			cb.mu.Lock()
			cb.state = StateOpen
			cb.lastFailure = cb.now()
			cb.notify(StateHalfOpen, StateOpen)
			cb.mu.Unlock()
			return fallback()
		}

		cb.RecordSuccess()
		return result, nil

	default: // StateClosed
		cb.mu.Unlock()

		result, err := fn()
		if err != nil {
			cb.RecordFailure()
			return result, err
		}

		cb.RecordSuccess()
		return result, nil
	}
}
