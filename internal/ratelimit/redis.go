package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the shared-store implementation of Limiter. Each token
// gets two keys, "rl:<token>:minute" (TTL 60s) and "rl:<token>:day" (TTL
// 86400s). Consumption across the two keys is not atomic: a denial on the
// second key leaves the first key's unit consumed. This is an accepted
// trade-off, not a bug — the contract only requires that an admitted
// request is counted against both windows.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an existing go-redis client. The caller owns the
// client's lifecycle (construction from REDIS_URL, Close on shutdown).
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// ConsumeOrDeny implements Limiter against Redis INCR/EXPIRE.
func (l *RedisLimiter) ConsumeOrDeny(ctx context.Context, token string, rpm, rpd int) (Snapshot, error) {
	minuteCount, err := l.incrWithTTL(ctx, minuteKey(token), minuteWindowSeconds*time.Second)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ratelimit: minute window: %w", err)
	}
	if minuteCount > rpm {
		ttl, _ := l.client.TTL(ctx, minuteKey(token)).Result()
		return Snapshot{
			LimitMinute:       rpm,
			RemainingMinute:   0,
			LimitDay:          rpd,
			RemainingDay:      clamp(rpd), // day key not consulted; unknown remaining, report full allowance
			RetryAfterSeconds: int(ttl.Seconds()),
		}, ErrDenied
	}

	dayCount, err := l.incrWithTTL(ctx, dayKey(token), dayWindowSeconds*time.Second)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ratelimit: day window: %w", err)
	}
	if dayCount > rpd {
		ttl, _ := l.client.TTL(ctx, dayKey(token)).Result()
		return Snapshot{
			LimitMinute:       rpm,
			RemainingMinute:   clamp(rpm - minuteCount),
			LimitDay:          rpd,
			RemainingDay:      0,
			RetryAfterSeconds: int(ttl.Seconds()),
		}, ErrDenied
	}

	return Snapshot{
		LimitMinute:     rpm,
		RemainingMinute: clamp(rpm - minuteCount),
		LimitDay:        rpd,
		RemainingDay:    clamp(rpd - dayCount),
	}, nil
}

// incrWithTTL increments key and, only on the increment that creates the
// key (post-increment value 1), attaches ttl. This bucket-keys the window
// in the TTL rather than relying on wall-clock resets.
func (l *RedisLimiter) incrWithTTL(ctx context.Context, key string, ttl time.Duration) (int, error) {
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

func minuteKey(token string) string {
	return "rl:" + token + ":minute"
}

func dayKey(token string) string {
	return "rl:" + token + ":day"
}
