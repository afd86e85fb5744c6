package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConstantBackoff(t *testing.T) {
	backoff := NewConstantBackoff(100 * time.Millisecond)
	for attempt := 0; attempt < 5; attempt++ {
		if delay := backoff.NextDelay(attempt); delay != 100*time.Millisecond {
			t.Errorf("Attempt %d: expected 100ms, got %v", attempt, delay)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 0, false)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 10 * time.Second},
		{5000, 10 * time.Second},
	}
	for _, tt := range tests {
		if delay := backoff.NextDelay(tt.attempt); delay != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, delay)
		}
	}
}

func TestExponentialBackoffUncappedDoesNotOverflow(t *testing.T) {
	backoff := NewExponentialBackoff(time.Second, 0, 10, false)
	if delay := backoff.NextDelay(400); delay != time.Hour {
		t.Errorf("expected the one hour ceiling, got %v", delay)
	}
}

func TestExponentialBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	backoff := NewExponentialBackoff(base, 10*time.Second, 2.0, true)

	for attempt := 0; attempt < 5; attempt++ {
		delay := backoff.NextDelay(attempt)
		full := base * time.Duration(1<<attempt)
		if delay <= full/2 || delay > full {
			t.Errorf("Attempt %d: delay %v outside (%v, %v]", attempt, delay, full/2, full)
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), NewConstantBackoff(time.Millisecond), 0); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, NewConstantBackoff(time.Hour), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected Sleep to return promptly on a cancelled context")
	}
}
