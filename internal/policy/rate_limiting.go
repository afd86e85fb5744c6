package policy

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per key, typically a client address.
type RateLimiter struct {
	enabled bool
	rate    float64 // tokens per second
	burst   float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter allows ratePerSecond sustained requests per key with bursts
// of up to burst. A non-positive burst equals the rate.
func NewRateLimiter(enabled bool, ratePerSecond, burst int) *RateLimiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &RateLimiter{
		enabled: enabled && ratePerSecond > 0,
		rate:    float64(ratePerSecond),
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (l *RateLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RateLimiter) Name() string {
	return "rate_limiting"
}

// Allow takes one token from key's bucket and reports whether one was there.
func (l *RateLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter is how long key must wait for its next token.
func (l *RateLimiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

// Remaining returns the whole tokens left for key, or -1 when unlimited.
func (l *RateLimiter) Remaining(key string) int {
	if !l.Enabled() {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(key).tokens)
}

// refill must be called with l.mu held.
func (l *RateLimiter) refill(key string) *tokenBucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed.Seconds()*l.rate)
		b.lastRefill = now
	}
	return b
}
