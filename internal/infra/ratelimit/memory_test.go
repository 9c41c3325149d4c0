package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func TestMemoryLimiter_WindowResets(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(MemoryOptions{Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "route:ip", 2, time.Minute)
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d denied: %+v %v", i, decision, err)
		}
	}
	decision, err := limiter.Allow(ctx, "route:ip", 2, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed || decision.Remaining != 0 {
		t.Fatalf("expected third request denied, got %+v", decision)
	}

	clock.now = clock.now.Add(time.Minute)
	decision, err = limiter.Allow(ctx, "route:ip", 2, time.Minute)
	if err != nil || !decision.Allowed || decision.Remaining != 1 {
		t.Fatalf("expected fresh window, got %+v %v", decision, err)
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter(MemoryOptions{})
	ctx := context.Background()
	if d, _ := limiter.Allow(ctx, "a", 1, time.Minute); !d.Allowed {
		t.Fatal("a denied")
	}
	if d, _ := limiter.Allow(ctx, "b", 1, time.Minute); !d.Allowed {
		t.Fatal("b denied")
	}
	if d, _ := limiter.Allow(ctx, "a", 1, time.Minute); d.Allowed {
		t.Fatal("a allowed twice")
	}
}

func TestMemoryLimiter_CapacityAndSweep(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(MemoryOptions{Now: clock.Now, MaxKeys: 2})
	ctx := context.Background()
	_, _ = limiter.Allow(ctx, "a", 5, time.Second)
	_, _ = limiter.Allow(ctx, "b", 5, time.Second)
	if _, err := limiter.Allow(ctx, "c", 5, time.Second); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	clock.now = clock.now.Add(2 * time.Second)
	if _, err := limiter.Allow(ctx, "c", 5, time.Second); err != nil {
		t.Fatalf("expired windows not swept: %v", err)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected 1 live window, got %d", limiter.Len())
	}
}

func TestMemoryLimiter_NonPositiveLimitAllows(t *testing.T) {
	limiter := NewMemoryLimiter(MemoryOptions{})
	for i := 0; i < 3; i++ {
		if d, err := limiter.Allow(context.Background(), "k", 0, time.Second); err != nil || !d.Allowed {
			t.Fatalf("expected unlimited, got %+v %v", d, err)
		}
	}
}
