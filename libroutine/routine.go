// Package libroutine provides a circuit breaker with retry and loop
// helpers for background maintenance work.
package libroutine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when execution is blocked by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	// Closed allows executions and counts failures.
	Closed State = iota
	// Open blocks executions until the reset timeout elapses.
	Open
	// HalfOpen allows a single probe execution to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Routine is a circuit breaker guarding a repeatedly executed operation.
type Routine struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
}

// NewRoutine creates a circuit breaker that opens after threshold
// consecutive failures and probes again after resetTimeout.
func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	return &Routine{
		state:        Closed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether an execution may proceed. In the half-open state
// it reserves the single probe slot for the caller.
func (r *Routine) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeHalfOpenLocked()
	switch r.state {
	case Closed:
		return true
	case HalfOpen:
		if r.probing {
			return false
		}
		r.probing = true
		return true
	default:
		return false
	}
}

// maybeHalfOpenLocked moves an open circuit to half-open once the reset
// timeout has elapsed. Callers must hold the lock.
func (r *Routine) maybeHalfOpenLocked() {
	if r.state == Open && time.Since(r.openedAt) > r.resetTimeout {
		r.state = HalfOpen
		r.probing = false
	}
}

// Execute runs fn if the circuit allows it, recording the outcome.
func (r *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	r.record(err)
	return err
}

func (r *Routine) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.state = Closed
		r.failures = 0
		r.probing = false
		return
	}
	r.failures++
	if r.state == HalfOpen || r.failures >= r.threshold {
		r.state = Open
		r.openedAt = time.Now()
		r.failures = 0
		r.probing = false
	}
}

// ExecuteWithRetry runs fn up to attempts times, sleeping interval between
// tries. An open circuit aborts immediately with ErrCircuitOpen; context
// cancellation during the sleep aborts with the context error.
func (r *Routine) ExecuteWithRetry(ctx context.Context, interval time.Duration, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = r.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return err
}

// Loop executes fn immediately, then on every interval tick and on every
// trigger signal, until ctx is cancelled. Each execution goes through the
// circuit breaker; errors (including ErrCircuitOpen) are passed to errFn.
func (r *Routine) Loop(ctx context.Context, interval time.Duration, trigger chan struct{}, fn func(ctx context.Context) error, errFn func(error)) {
	run := func() {
		if err := r.Execute(ctx, fn); err != nil && errFn != nil {
			errFn(err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		case <-trigger:
			run()
		}
	}
}

// GetState returns the current state, accounting for reset-timeout expiry.
func (r *Routine) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeHalfOpenLocked()
	return r.state
}

// ForceOpen opens the circuit immediately.
func (r *Routine) ForceOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Open
	r.openedAt = time.Now()
	r.probing = false
}

// ForceClose closes the circuit and clears the failure count.
func (r *Routine) ForceClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Closed
	r.failures = 0
	r.probing = false
}

// GetThreshold returns the configured failure threshold.
func (r *Routine) GetThreshold() int { return r.threshold }

// GetResetTimeout returns the configured reset timeout.
func (r *Routine) GetResetTimeout() time.Duration { return r.resetTimeout }
