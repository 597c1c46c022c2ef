package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token at 5/sec.
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one token to be refilled")
	}
}

func TestTokenBucket_DoesNotExceedBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to burst")
	}
	if b.Allow(1) {
		t.Fatalf("expected burst clamp (only 1 token available)")
	}
}

func TestTokenBucket_ClockGoingBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(-50 * time.Second)
	if b.Allow(1) {
		t.Fatalf("expected no refill when clock moves backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill after clock resumes")
	}
}

func TestTokenBucket_NonPositiveCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) || !b.Allow(-3) {
		t.Fatalf("expected non-positive cost to be allowed")
	}
	if b.Allow(1) {
		t.Fatalf("expected zero-burst bucket to reject")
	}
}
