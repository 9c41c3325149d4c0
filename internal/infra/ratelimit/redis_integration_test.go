//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisLimiter_SharedWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	first, err := NewRedisLimiter(RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	defer first.Close()
	if err := first.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	second, err := NewRedisLimiter(RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	defer second.Close()

	key := "test:" + uuid.NewString()
	if d, err := first.Allow(ctx, key, 2, time.Minute); err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first hit: %+v %v", d, err)
	}
	if d, err := second.Allow(ctx, key, 2, time.Minute); err != nil || !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second hit from another replica: %+v %v", d, err)
	}
	d, err := first.Allow(ctx, key, 2, time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("expected shared window exhausted, got %+v %v", d, err)
	}
	if !d.ResetAt.After(time.Now()) {
		t.Fatalf("reset time not in the future: %v", d.ResetAt)
	}
}
