// throttle_test.go

// unit tests for the per-IP throttle.
package throttle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func requestFrom(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.RemoteAddr = ip + ":40000"
	return r
}

func TestAllowBurstThenReject(t *testing.T) {
	th := New(1, 3)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !th.Allow("198.51.100.1") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if th.Allow("198.51.100.1") {
		t.Error("request past burst should be rejected")
	}

	t.Run("other keys are independent", func(t *testing.T) {
		if !th.Allow("198.51.100.2") {
			t.Error("fresh key should be allowed")
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		now = now.Add(time.Second)
		if !th.Allow("198.51.100.1") {
			t.Error("expected one token after 1s at 1 rps")
		}
	})
}

func TestCleanupEvictsIdle(t *testing.T) {
	th := New(5, 10)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	th.Allow("old")
	now = now.Add(10 * time.Minute)
	th.Allow("recent")
	now = now.Add(6 * time.Minute)

	th.Cleanup()
	if th.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", th.Len())
	}
	th.mu.Lock()
	_, ok := th.entries["recent"]
	th.mu.Unlock()
	if !ok {
		t.Error("recent key should survive cleanup")
	}
}

func TestStartJanitor(t *testing.T) {
	th := New(5, 10)
	th.IdleTTL = time.Nanosecond
	th.CleanupEvery = 5 * time.Millisecond
	th.Allow("stale")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		th.StartJanitor(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for th.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if th.Len() != 0 {
		t.Error("janitor should have evicted the idle key")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}

func TestMiddleware(t *testing.T) {
	th := New(0.5, 1)
	var called int
	h := th.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("192.0.2.10"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("192.0.2.10"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After: expected 2, got %q", got)
	}
	if called != 1 {
		t.Errorf("downstream should run once, ran %d", called)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("192.0.2.11"))
	if w.Code != http.StatusOK {
		t.Errorf("different IP: expected 200, got %d", w.Code)
	}
}
