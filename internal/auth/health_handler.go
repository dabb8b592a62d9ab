// health_handler.go -- GET /health dependency check.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds both dependency pings.
const healthCheckTimeout = 2 * time.Second

type healthReport struct {
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
}

// degraded reports whether any dependency failed its ping.
func (rep healthReport) degraded() bool {
	return rep.Postgres != "ok" || rep.Redis != "ok"
}

// CheckHealth handles GET /health. Postgres and Redis are pinged in parallel.
// 200 when both answer, 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		rep healthReport
		wg  sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rep.Postgres = pingStatus(r, "postgres", h.PS.CheckHealth(ctx))
	}()
	go func() {
		defer wg.Done()
		rep.Redis = pingStatus(r, "redis", h.RS.CheckHealth(ctx))
	}()
	wg.Wait()

	status := http.StatusOK
	if rep.degraded() {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, rep)
}

// pingStatus maps a ping result onto its status string, logging failures.
func pingStatus(r *http.Request, dep string, err error) string {
	if err != nil {
		logError(r, "health check failed", "dependency", dep, "error", err)
		return "error"
	}
	return "ok"
}
