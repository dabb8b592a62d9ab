// quota.go

// Hourly request quota admission over fixed wall-clock hour buckets.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MGallo-Code/tollgate/internal/metrics"
	"github.com/MGallo-Code/tollgate/internal/store"
)

// Counter is the atomic counter substrate. Satisfied by *store.RedisCounter.
type Counter interface {
	// IncrementWithin increments key unless that would exceed limit, setting ttl on
	// first creation only. Returns the resulting count and whether it was admitted.
	IncrementWithin(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Count returns the current value of key; 0 if absent.
	Count(ctx context.Context, key string) (int64, error)
}

const (
	// DefaultLimit applies when an identity carries no quota.
	DefaultLimit = store.DefaultHourlyQuota

	// DefaultRetryAfter is reported on every rejection regardless of time left in the hour.
	DefaultRetryAfter = time.Hour

	// windowTTL is the counter lifetime, anchored at the first request of the bucket.
	windowTTL = time.Hour

	bucketLayout = "2006-01-02T15"
)

// ErrQuotaExceeded matches every *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError reports a rejection with the limit in force and when to retry.
type ExceededError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("hourly quota of %d exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Bucket formats t as its UTC hour bucket, e.g. 2024-01-01T13.
func Bucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(bucketLayout)
}

// BucketKey is the counter key for accountID during the hour containing t.
func BucketKey(accountID int64, t time.Time) string {
	return "quota:" + strconv.FormatInt(accountID, 10) + ":" + Bucket(t)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	Count    int64 // counter value after this request; unknown (0) on fail-open
	Limit    int
	Bucket   string
	ResetAt  time.Time // start of the next bucket
	FailOpen bool      // counter unreachable, admitted without accounting
}

// Remaining is how many more requests the bucket admits. Never negative.
func (d Decision) Remaining() int {
	return max(0, d.Limit-int(d.Count))
}

// Controller admits or rejects requests against per-account hourly quotas.
// Zero-value fields fall back to package defaults.
type Controller struct {
	Counter      Counter
	DefaultLimit int
	RetryAfter   time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Controller) retryAfter() time.Duration {
	if c.RetryAfter > 0 {
		return c.RetryAfter
	}
	return DefaultRetryAfter
}

// limitFor returns the identity's quota, or the configured default.
func (c *Controller) limitFor(identity store.Identity) int {
	if identity.HourlyQuota > 0 {
		return identity.HourlyQuota
	}
	if c.DefaultLimit > 0 {
		return c.DefaultLimit
	}
	return DefaultLimit
}

// Admit accounts one request for identity in the current hour bucket.
//
// The increment and comparison happen atomically in the counter, so concurrent
// requests never overshoot the limit. A rejected request leaves the count unchanged
// and returns *ExceededError. If the counter is unreachable the request is admitted
// with FailOpen set and a nil error.
func (c *Controller) Admit(ctx context.Context, identity store.Identity) (Decision, error) {
	now := c.now()
	limit := c.limitFor(identity)
	d := Decision{
		Limit:   limit,
		Bucket:  Bucket(now),
		ResetAt: now.UTC().Truncate(time.Hour).Add(time.Hour),
	}

	count, admitted, err := c.Counter.IncrementWithin(ctx, BucketKey(identity.AccountID, now), int64(limit), windowTTL)
	if err != nil {
		c.Metrics.RecordQuota("fail_open")
		c.logger().Error("quota counter unavailable, admitting request",
			"account_id", identity.AccountID, "bucket", d.Bucket, "error", err)
		d.Admitted = true
		d.FailOpen = true
		return d, nil
	}

	d.Count = count
	if !admitted {
		c.Metrics.RecordQuota("rejected")
		return d, &ExceededError{Limit: limit, RetryAfter: c.retryAfter()}
	}

	c.Metrics.RecordQuota("admitted")
	d.Admitted = true
	return d, nil
}

// Usage is a read-only view of the current bucket.
type Usage struct {
	Limit     int       `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int       `json:"remaining"`
	Bucket    string    `json:"bucket"`
	ResetAt   time.Time `json:"reset_at"`
}

// Usage reports how much of identity's quota the current bucket has consumed.
// Unlike Admit, counter errors are returned.
func (c *Controller) Usage(ctx context.Context, identity store.Identity) (Usage, error) {
	now := c.now()
	limit := c.limitFor(identity)

	used, err := c.Counter.Count(ctx, BucketKey(identity.AccountID, now))
	if err != nil {
		return Usage{}, fmt.Errorf("reading quota counter: %w", err)
	}
	return Usage{
		Limit:     limit,
		Used:      used,
		Remaining: max(0, limit-int(used)),
		Bucket:    Bucket(now),
		ResetAt:   now.UTC().Truncate(time.Hour).Add(time.Hour),
	}, nil
}
