package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/welltest-lab/fitting-core/pkg/config"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := NewCircuitBreaker(true, 3, 2, time.Minute)
	b.now = clock.now
	host := "hooks.example.com"

	for i := 0; i < 2; i++ {
		b.RecordFailure(host)
	}
	if b.State(host) != CircuitStateClosed || !b.Allow(host) {
		t.Fatalf("expected circuit to stay closed below the threshold")
	}
	b.RecordFailure(host)
	if b.State(host) != CircuitStateOpen || b.Allow(host) {
		t.Fatalf("expected circuit to open at the threshold")
	}
	if !b.Allow("other.example.com") {
		t.Fatalf("expected other hosts to be unaffected")
	}

	clock.advance(time.Minute)
	if !b.Allow(host) || b.State(host) != CircuitStateHalfOpen {
		t.Fatalf("expected half-open after the cooldown")
	}
	b.RecordSuccess(host)
	if b.State(host) != CircuitStateHalfOpen {
		t.Fatalf("expected half-open until two successes")
	}
	b.RecordSuccess(host)
	if b.State(host) != CircuitStateClosed {
		t.Fatalf("expected closed after two successes")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	b := NewCircuitBreaker(true, 1, 1, time.Second)
	b.now = clock.now

	b.RecordFailure("h")
	clock.advance(time.Second)
	if b.State("h") != CircuitStateHalfOpen {
		t.Fatalf("expected half-open")
	}
	b.RecordFailure("h")
	if b.State("h") != CircuitStateOpen {
		t.Fatalf("expected a half-open failure to reopen the circuit")
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker(true, 2, 1, time.Minute)
	b.RecordFailure("h")
	b.RecordSuccess("h")
	b.RecordFailure("h")
	if b.State("h") != CircuitStateClosed {
		t.Fatalf("expected non-consecutive failures to keep the circuit closed")
	}
}

func TestCircuitBreakerDisabled(t *testing.T) {
	b := NewCircuitBreaker(false, 1, 1, time.Minute)
	b.RecordFailure("h")
	if !b.Allow("h") || b.State("h") != CircuitStateClosed {
		t.Fatalf("disabled breaker should always allow")
	}
	var none *CircuitBreaker
	if !none.Allow("h") {
		t.Fatalf("nil breaker should allow")
	}
}

func TestNewSetFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Policies
	cfg.RateLimit.Enabled = true
	cfg.CallbackBreaker.Cooldown = "bogus"

	set := NewSet(cfg)
	if !set.RateLimiter.Enabled() || set.RateLimiter.Name() != "rate_limiting" {
		t.Fatalf("expected an enabled rate limiter")
	}
	if !set.CircuitBreaker.Enabled() || set.CircuitBreaker.cooldown != 30*time.Second {
		t.Fatalf("expected the breaker to fall back to a 30s cooldown")
	}

	var names []string
	for _, p := range set.All() {
		names = append(names, p.Name())
	}
	if strings.Join(names, ",") != "rate_limiting,circuit_breaker" {
		t.Fatalf("unexpected policy order %v", names)
	}
}
