// redis_counter_test.go

// Admit against store.RedisCounter backed by an in-process Redis, so the Lua
// increment script runs on every test run.
package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newRedisController returns a controller over a fresh miniredis instance.
func newRedisController(t *testing.T) (*Controller, *fixedClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	c, clock := newTestController(store.NewRedisCounter(rdb))
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return c, clock, mr
}

func TestRedisAdmitSequence(t *testing.T) {
	c, _, mr := newRedisController(t)
	ctx := context.Background()
	key := BucketKey(21, testNow)

	for want := int64(1); want <= 3; want++ {
		d, err := c.Admit(ctx, identity(21, 3))
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", want, err)
		}
		if !d.Admitted || d.Count != want {
			t.Fatalf("request %d: expected admitted with count %d, got %+v", want, want, d)
		}
	}

	_, err := c.Admit(ctx, identity(21, 3))
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.RetryAfter != time.Hour {
		t.Fatalf("4th request: expected ExceededError with 1h retry, got %v", err)
	}

	if got, _ := mr.Get(key); got != "3" {
		t.Errorf("rejected request should not move the counter, got %q", got)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("TTL: expected 1h, got %v", ttl)
	}
}

func TestRedisAdmitTTLAnchoredOnFirstRequest(t *testing.T) {
	c, _, mr := newRedisController(t)
	ctx := context.Background()
	key := BucketKey(22, testNow)

	c.Admit(ctx, identity(22, 10))
	mr.FastForward(20 * time.Minute)
	c.Admit(ctx, identity(22, 10))

	if ttl := mr.TTL(key); ttl != 40*time.Minute {
		t.Errorf("TTL should keep counting down from the first request, got %v", ttl)
	}
}

func TestRedisAdmitConcurrentNoOvershoot(t *testing.T) {
	const quota = 10
	const n = 50

	c, _, mr := newRedisController(t)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := c.Admit(context.Background(), identity(23, quota)); err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != quota {
		t.Errorf("expected exactly %d admissions, got %d", quota, admitted.Load())
	}
	if got, _ := mr.Get(BucketKey(23, testNow)); got != "10" {
		t.Errorf("counter: expected 10 (zero overshoot), got %q", got)
	}
}

func TestRedisAdmitHourBoundary(t *testing.T) {
	c, clock, _ := newRedisController(t)
	ctx := context.Background()

	c.Admit(ctx, identity(24, 1))
	if _, err := c.Admit(ctx, identity(24, 1)); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exhausted bucket, got %v", err)
	}

	clock.Set(testNow.Truncate(time.Hour).Add(time.Hour))
	d, err := c.Admit(ctx, identity(24, 1))
	if err != nil || d.Count != 1 {
		t.Errorf("next hour should start a fresh bucket, got %+v, %v", d, err)
	}
}

func TestRedisAdmitFailOpen(t *testing.T) {
	c, _, mr := newRedisController(t)
	mr.Close()

	d, err := c.Admit(context.Background(), identity(25, 1))
	if err != nil {
		t.Fatalf("expected nil error when redis is down, got %v", err)
	}
	if !d.Admitted || !d.FailOpen {
		t.Errorf("expected fail-open admission, got %+v", d)
	}
}

func TestRedisUsage(t *testing.T) {
	c, _, _ := newRedisController(t)
	ctx := context.Background()

	c.Admit(ctx, identity(26, 5))
	c.Admit(ctx, identity(26, 5))

	u, err := c.Usage(ctx, identity(26, 5))
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Used != 2 || u.Remaining != 3 {
		t.Errorf("expected used=2 remaining=3, got %+v", u)
	}

	fresh, err := c.Usage(ctx, identity(27, 5))
	if err != nil || fresh.Used != 0 {
		t.Errorf("untouched account should read zero, got %+v, %v", fresh, err)
	}
}
