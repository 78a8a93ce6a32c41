package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_Burst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("k1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("k1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.Allow("k2"); err != nil {
		t.Errorf("other client should have its own bucket: %v", err)
	}
}

func TestAllow_Refill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	_ = l.Allow("k1")
	if err := l.Allow("k1"); err == nil {
		t.Fatal("expected limit")
	}
	if got := l.RetryAfter("k1"); got != time.Second {
		t.Errorf("RetryAfter %s, want 1s", got)
	}
	clock.advance(time.Second)
	if err := l.Allow("k1"); err != nil {
		t.Errorf("expected refill after 1s: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatal(err)
		}
	}
	if l.RetryAfter("k") != 0 {
		t.Error("unlimited limiter should never ask to wait")
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("k"); err != nil {
		t.Error("nil limiter should allow")
	}
}
