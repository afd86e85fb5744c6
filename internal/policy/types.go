// Package policy holds the admission policies of the fit service: a token
// bucket limiting how fast clients create fits, and a circuit breaker that
// stops webhook delivery to callback hosts that keep failing.
package policy

import (
	"time"

	"github.com/welltest-lab/fitting-core/pkg/config"
)

// Policy is the part every policy shares: a name and an on/off switch.
type Policy interface {
	Enabled() bool
	Name() string
}

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"   // Normal operation
	CircuitStateOpen     CircuitState = "open"     // Failing, rejecting requests
	CircuitStateHalfOpen CircuitState = "halfopen" // Testing if the host recovered
)

// Set holds the configured policies. Disabled policies are still non-nil and
// allow everything.
type Set struct {
	RateLimiter    *RateLimiter
	CircuitBreaker *CircuitBreaker
}

// NewSet builds the policies from configuration
func NewSet(cfg config.PoliciesConfig) *Set {
	rl := cfg.RateLimit
	cb := cfg.CallbackBreaker
	cooldown, err := cb.GetCooldown()
	if err != nil || cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Set{
		RateLimiter:    NewRateLimiter(rl.Enabled, rl.CreatesPerSecond, rl.Burst),
		CircuitBreaker: NewCircuitBreaker(cb.Enabled, cb.FailureThreshold, cb.SuccessThreshold, cooldown),
	}
}

// All lists the policies in a fixed order.
func (s *Set) All() []Policy {
	return []Policy{s.RateLimiter, s.CircuitBreaker}
}
