package ratekeeper

import (
	"sync"
	"time"
)

// Breaker states reported through Metrics.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

// breaker is a consecutive-failure circuit breaker guarding counter store
// calls. While open it rejects calls immediately with ErrCircuitOpen,
// which the engine treats like any other store fault, so an outage stops
// costing a timeout per request. After the reset timeout probe calls are
// let through; the first failure re-opens the circuit.
type breaker struct {
	mu sync.Mutex

	clock            Clock
	failureThreshold int
	resetTimeout     time.Duration

	state         string
	failures      int
	lastFailure   time.Time
	onStateChange func(state string)
}

func newBreaker(cfg CircuitBreakerConfig, clock Clock, onStateChange func(string)) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &breaker{
		clock:            clock,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		state:            breakerClosed,
		onStateChange:    onStateChange,
	}
}

// allow reports whether a store call may proceed, transitioning an open
// circuit to half-open once the reset timeout has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && b.clock.Now().Sub(b.lastFailure) >= b.resetTimeout {
		b.setState(breakerHalfOpen)
	}
	return b.state != breakerOpen
}

// observe records the outcome of a store call.
func (b *breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != breakerClosed {
			b.setState(breakerClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.clock.Now()
	switch {
	case b.state == breakerHalfOpen:
		b.setState(breakerOpen)
	case b.state == breakerClosed && b.failures >= b.failureThreshold:
		b.setState(breakerOpen)
	}
}

func (b *breaker) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) setState(state string) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(state)
	}
}
