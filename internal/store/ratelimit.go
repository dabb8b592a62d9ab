// ratelimit.go -- Redis-backed attempt limiter with lockout.
//
// Used for login attempts per email. Counts attempts in a fixed window;
// once MaxAttempts is hit the key is locked for LockoutTTL.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter tracks attempts and lockouts in Redis.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter returns a limiter over a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// allowScript checks the lockout key, then records one attempt.
// KEYS[1] = attempts key, KEYS[2] = lockout key.
// ARGV[1] = max attempts, ARGV[2] = window (ms), ARGV[3] = lockout (ms).
// Returns 1 if allowed, 0 if locked out.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('SET', KEYS[2], 1, 'PX', ARGV[3])
    redis.call('DEL', KEYS[1])
    return 0
end
return 1
`)

// Allow records an attempt for key under policy.
// Returns ErrRateLimitExceeded when the key is locked out; other errors are Redis failures.
// A zero MaxAttempts disables limiting.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 || policy.Window <= 0 || policy.LockoutTTL <= 0 {
		return nil
	}
	ok, err := allowScript.Run(ctx, l.rdb,
		[]string{"ratelimit:" + key, "ratelimit:lock:" + key},
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if ok == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
