// Package breaker implements a three-state circuit breaker between the
// dispatch tool and the job tracker.
//
// No repo in the retrieval pack actually imports a circuit-breaker library
// in source (sony/gobreaker is listed in one go.mod but never imported by
// any source file there, and that repo's own hand-rolled implementation
// file was filtered from the pack — only its test survived). This package
// is therefore built on the standard library, grounded on the API shape
// revealed by that test file (NewCircuitBreaker/GetState/Call/
// GetFailureRate) but adapted to this spec's simpler consecutive-failure
// model rather than that test's failure-rate-over-window model.
package breaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is one of the three circuit states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrOpen names the open-breaker condition. Dispatch does not return it:
// while the breaker is open, Dispatch calls fallback instead of primary.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker is a single-process, linearizable circuit breaker. All calls
// pass through one logical instance; no cross-process synchronization is
// attempted (SPEC_FULL.md §4.2).
type Breaker struct {
	mu sync.Mutex

	name            string
	failMax         int
	resetTimeout    time.Duration
	state           State
	failures        int
	lastFailureTime time.Time
	forcedReason    string
}

// New constructs a Breaker starting in the closed state.
func New(name string, failMax int, resetTimeout time.Duration) *Breaker {
	if failMax <= 0 {
		failMax = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		failMax:      failMax,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked resolves open->half-open transitions lazily, the way
// the reference's half-open probe is only observed on the next call.
func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ForceOpen idempotently trips the breaker open, used by auth-failure
// detection in internal/store. Calling it repeatedly is a no-op beyond the
// first call until the breaker naturally recovers.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentStateLocked() == StateOpen {
		return
	}
	b.state = StateOpen
	b.lastFailureTime = time.Now()
	b.forcedReason = reason
}

// Dispatch executes primary through the breaker; if primary is skipped
// (open) or fails, fallback is invoked instead. The return value is
// whichever of primary/fallback actually ran.
func (b *Breaker) Dispatch(primary func() (interface{}, error), fallback func() (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	state := b.currentStateLocked()

	if state == StateOpen {
		b.mu.Unlock()
		return fallback()
	}
	if state == StateHalfOpen {
		// Commit the lazily-resolved half-open transition so a
		// concurrent failure observes it as the probe outcome.
		b.state = StateHalfOpen
	}

	// Closed or half-open: attempt primary.
	b.mu.Unlock()
	result, err := primary()

	b.mu.Lock()
	if err != nil {
		b.onFailureLocked()
		b.mu.Unlock()
		return fallback()
	}
	b.onSuccessLocked()
	b.mu.Unlock()
	return result, nil
}

func (b *Breaker) onSuccessLocked() {
	b.failures = 0
	b.state = StateClosed
	b.forcedReason = ""
}

func (b *Breaker) onFailureLocked() {
	b.failures++
	b.lastFailureTime = time.Now()
	if b.failures >= b.failMax || b.state == StateHalfOpen {
		b.state = StateOpen
	}
}
