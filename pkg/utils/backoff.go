package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy yields the wait before retry attempt n (0-indexed).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ConstantBackoff waits the same delay before every retry.
type ConstantBackoff struct {
	Delay time.Duration
}

func NewConstantBackoff(delay time.Duration) *ConstantBackoff {
	return &ConstantBackoff{Delay: delay}
}

func (b *ConstantBackoff) NextDelay(int) time.Duration {
	return b.Delay
}

// ExponentialBackoff grows Initial by Factor per attempt up to Ceiling.
// A zero Ceiling caps at one hour. With Jitter the delay is drawn uniformly
// from (d/2, d].
type ExponentialBackoff struct {
	Initial time.Duration
	Factor  float64
	Ceiling time.Duration
	Jitter  bool
}

const maxBackoffDelay = time.Hour

// NewExponentialBackoff returns an exponential strategy. A non-positive
// factor selects 2.
func NewExponentialBackoff(initial, ceiling time.Duration, factor float64, jitter bool) *ExponentialBackoff {
	if factor <= 0 {
		factor = 2
	}
	return &ExponentialBackoff{Initial: initial, Factor: factor, Ceiling: ceiling, Jitter: jitter}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	limit := b.Ceiling
	if limit <= 0 {
		limit = maxBackoffDelay
	}
	delay := float64(b.Initial) * math.Pow(b.Factor, float64(max(attempt, 0)))
	// Pow overflows to +Inf long before attempt counts get large.
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(limit) {
		delay = float64(limit)
	}
	if b.Jitter {
		delay -= delay * rand.Float64() / 2
	}
	return time.Duration(delay)
}

// Sleep waits the strategy's delay for attempt, returning early with the
// context error when ctx ends first.
func Sleep(ctx context.Context, s BackoffStrategy, attempt int) error {
	d := s.NextDelay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
