// counter.go -- Redis-backed quota window counters.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps per-window request counters in Redis.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter returns a counter over a shared client.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// incrWithinScript increments the counter and undoes it when the result overshoots.
// TTL is set only when the key is created, so it is anchored to the first request of the window.
// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl (ms).
// Returns {admitted (0/1), count after decision}.
var incrWithinScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('DECR', KEYS[1])
    return {0, n - 1}
end
return {1, n}
`)

// IncrementWithin atomically increments key if the result stays within limit.
// Returns the count after the decision and whether the increment was kept.
func (c *RedisCounter) IncrementWithin(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrWithinScript.Run(ctx, c.rdb, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("incrementing counter %s: unexpected reply %v", key, res)
	}
	return res[1], res[0] == 1, nil
}

// Count returns the current value of key, 0 if it doesn't exist.
func (c *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	return n, nil
}
