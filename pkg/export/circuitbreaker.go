// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Blocking requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops export attempts against a collector that keeps
// failing, and probes it again after resetTimeout.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailureTime  time.Time
	onChange         func(from, to CircuitState)

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
// failureThreshold: number of consecutive failures to open the circuit.
// resetTimeout: time to wait before moving from Open to HalfOpen.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// OnStateChange registers fn to run after every state transition. fn runs
// without the breaker's lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// transition must be called with cb.mu held. The returned func notifies
// the listener and must be called after unlocking.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	fn := cb.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

// Allow checks if a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	notify := func() {}
	allowed := true
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
			notify = cb.transition(CircuitHalfOpen)
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()
	notify()
	return allowed
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failureCount = 0
	notify := cb.transition(CircuitClosed)
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed operation. A failure while half-open
// reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	notify := func() {}
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		notify = cb.transition(CircuitOpen)
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	notify := func() {}
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		notify = cb.transition(CircuitHalfOpen)
	}
	s := cb.state
	cb.mu.Unlock()
	notify()
	return s
}

// FailureCount returns the current failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
