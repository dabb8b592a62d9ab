// throttle.go

// Per-client-IP token bucket throttle for unauthenticated endpoints.
package throttle

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/MGallo-Code/tollgate/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL      = 15 * time.Minute
	defaultCleanupEvery = 2 * time.Minute
)

// Throttle keeps one rate.Limiter per client IP. Idle limiters are evicted by the janitor.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*entry
	rps     rate.Limit
	burst   int

	// IdleTTL is how long an unused limiter is kept. CleanupEvery is the janitor period.
	IdleTTL      time.Duration
	CleanupEvery time.Duration

	Metrics *metrics.Metrics
	now     func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New returns a Throttle allowing rps sustained requests per IP with the given burst.
func New(rps float64, burst int) *Throttle {
	return &Throttle{
		entries:      make(map[string]*entry),
		rps:          rate.Limit(rps),
		burst:        burst,
		IdleTTL:      defaultIdleTTL,
		CleanupEvery: defaultCleanupEvery,
		now:          time.Now,
	}
}

// limiter returns the limiter for key, creating it on first use.
func (t *Throttle) limiter(key string) *rate.Limiter {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(t.rps, t.burst)
	t.entries[key] = &entry{lim: lim, lastSeen: now}
	return lim
}

// Allow reports whether a request from key may proceed now.
func (t *Throttle) Allow(key string) bool {
	return t.limiter(key).AllowN(t.now(), 1)
}

// Len reports how many keys are tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cleanup evicts limiters idle for longer than IdleTTL.
func (t *Throttle) Cleanup() {
	cutoff := t.now().Add(-t.IdleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every CleanupEvery until ctx is cancelled. Call in a goroutine.
func (t *Throttle) StartJanitor(ctx context.Context) {
	if t.CleanupEvery <= 0 {
		return
	}
	tick := time.NewTicker(t.CleanupEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Cleanup()
		}
	}
}

// retryAfter is the time until one token refills, rounded up to whole seconds.
func (t *Throttle) retryAfter() int {
	if t.rps <= 0 {
		return 1
	}
	secs := int((time.Duration(float64(time.Second)/float64(t.rps)) + time.Second - 1) / time.Second)
	return max(1, secs)
}

// Middleware rejects requests over the per-IP rate with 429 RateLimited.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := auth.ClientIP(r)
		if !t.Allow(ip) {
			t.Metrics.RecordThrottled()
			slog.Warn("request throttled", auth.RequestAttrs(r)...)
			w.Header().Set("Retry-After", strconv.Itoa(t.retryAfter()))
			auth.TooManyRequests(w, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
