// Package circuitbreaker guards calls to a flaky backend. After enough
// consecutive failures the breaker opens and rejects calls outright, then
// probes with a limited number of requests before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

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

type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count in half-open that
	// closes it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenLimit caps the in-flight probes while half-open.
	HalfOpenLimit int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenLimit:    3,
	}
}

type CircuitBreaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	probes       int
	changedAt    time.Time
	onTransition func(from, to State)

	now func() time.Time
}

func New(cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	cb.changedAt = cb.now()
	return cb
}

// OnTransition registers a callback fired on every state change. It runs
// synchronously under the breaker's lock and must not call back in.
func (cb *CircuitBreaker) OnTransition(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onTransition = fn
	cb.mu.Unlock()
}

// Execute runs fn if the breaker allows it and records the outcome. When the
// breaker is open the call fails fast with ErrOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return fmt.Errorf("%w (state %s)", ErrOpen, cb.State())
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.changedAt) < cb.cfg.OpenTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenLimit {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe sends the breaker straight back to open.
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.successes++

	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.transition(StateClosed)
	cb.mu.Unlock()
}
