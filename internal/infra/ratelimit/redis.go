package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"equiaudit/internal/domain"
)

const redisKeyPrefix = "equiaudit:ratelimit:"

// The first hit in a window sets its expiry; the counter and remaining TTL
// are returned together.
var allowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares fixed-window counters between auditd replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Now      func() time.Time
}

func NewRedisLimiter(opts RedisOptions) (*RedisLimiter, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLimiterWithClient(client, opts.Now), nil
}

func NewRedisLimiterWithClient(client redis.UniversalClient, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, now: now}
}

func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	millis := period.Milliseconds()
	if millis <= 0 {
		millis = 1000
	}
	raw, err := allowScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, millis).Result()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return domain.RateLimitDecision{}, errors.New("unexpected redis rate limit response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return domain.RateLimitDecision{}, errors.New("invalid redis counter response")
	}
	ttl, _ := values[1].(int64)
	resetAt := r.now()
	if ttl > 0 {
		resetAt = resetAt.Add(time.Duration(ttl) * time.Millisecond)
	}
	remaining := limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   current <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
