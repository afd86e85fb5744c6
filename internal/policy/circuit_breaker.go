package policy

import (
	"sync"
	"time"
)

// CircuitBreaker tracks failures per key, typically a callback host.
type CircuitBreaker struct {
	enabled bool
	// failureThreshold is the number of consecutive failures before opening
	failureThreshold int
	// successThreshold is the number of successes needed in half-open state to close
	successThreshold int
	// cooldown is how long the circuit stays open before transitioning to half-open
	cooldown time.Duration

	mu       sync.Mutex
	circuits map[string]*circuitState
	now      func() time.Time
}

type circuitState struct {
	state           CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
}

// NewCircuitBreaker returns a breaker. Non-positive thresholds default to 5
// failures and 1 success.
func NewCircuitBreaker(enabled bool, failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		enabled:          enabled,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		circuits:         make(map[string]*circuitState),
		now:              time.Now,
	}
}

func (b *CircuitBreaker) Enabled() bool {
	return b != nil && b.enabled
}

func (b *CircuitBreaker) Name() string {
	return "circuit_breaker"
}

// Allow reports whether a request to key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and lets requests through.
func (b *CircuitBreaker) Allow(key string) bool {
	if !b.Enabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(key).state != CircuitStateOpen
}

// RecordSuccess closes a half-open circuit after enough successes and resets
// the failure count of a closed one.
func (b *CircuitBreaker) RecordSuccess(key string) {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.advance(key)
	switch c.state {
	case CircuitStateHalfOpen:
		c.successCount++
		if c.successCount >= b.successThreshold {
			b.transition(c, CircuitStateClosed)
		}
	case CircuitStateClosed:
		c.failureCount = 0
	}
}

// RecordFailure opens the circuit once failures reach the threshold. Any
// failure while half-open reopens it.
func (b *CircuitBreaker) RecordFailure(key string) {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.advance(key)
	c.failureCount++
	switch c.state {
	case CircuitStateHalfOpen:
		b.transition(c, CircuitStateOpen)
	case CircuitStateClosed:
		if c.failureCount >= b.failureThreshold {
			b.transition(c, CircuitStateOpen)
		}
	}
}

// State returns the current state for key.
func (b *CircuitBreaker) State(key string) CircuitState {
	if !b.Enabled() {
		return CircuitStateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(key).state
}

// advance must be called with b.mu held.
func (b *CircuitBreaker) advance(key string) *circuitState {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuitState{state: CircuitStateClosed, lastStateChange: b.now()}
		b.circuits[key] = c
	}
	if c.state == CircuitStateOpen && b.now().Sub(c.lastStateChange) >= b.cooldown {
		b.transition(c, CircuitStateHalfOpen)
	}
	return c
}

func (b *CircuitBreaker) transition(c *circuitState, to CircuitState) {
	c.state = to
	c.successCount = 0
	if to != CircuitStateOpen {
		c.failureCount = 0
	}
	c.lastStateChange = b.now()
}
