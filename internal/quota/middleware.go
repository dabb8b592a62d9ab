// middleware.go

// HTTP enforcement of the quota and the per-request audit side effect.
package quota

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/gofrs/uuid/v5"
)

// ReasonQuotaExceeded is the machine-readable reason on 429 responses.
const ReasonQuotaExceeded = "QuotaExceeded"

// AuditAction labels audit entries written for admitted requests.
const AuditAction = "api_request"

// Recorder accepts audit entries without blocking. Satisfied by *audit.Queue.
type Recorder interface {
	Submit(entry store.AuditEntry) error
}

// exceededBody is the 429 response shape.
type exceededBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retry_after"`
}

func setRateHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	if !d.FailOpen {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining()))
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Enforce must run after auth.RequireAuth. It admits or rejects each request and,
// on admission, hands an audit entry to rec (nil disables auditing). Audit failures
// are logged and never affect the response.
func (c *Controller) Enforce(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				auth.InternalServerError(w, r, errors.New("quota enforced on unauthenticated route"))
				return
			}

			d, err := c.Admit(r.Context(), identity)
			if err != nil {
				var exceeded *ExceededError
				if !errors.As(err, &exceeded) {
					auth.InternalServerError(w, r, err)
					return
				}
				retry := int(exceeded.RetryAfter.Seconds())
				setRateHeaders(w, d)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				slog.Info("quota exceeded", append(auth.RequestAttrs(r), "limit", exceeded.Limit, "bucket", d.Bucket)...)
				auth.JSON(w, http.StatusTooManyRequests, exceededBody{
					Error:      ReasonQuotaExceeded,
					Message:    "hourly quota exceeded",
					Limit:      exceeded.Limit,
					RetryAfter: retry,
				})
				return
			}

			setRateHeaders(w, d)
			if rec != nil {
				c.record(r, rec, identity)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// record submits the audit entry for an admitted request. Best-effort.
func (c *Controller) record(r *http.Request, rec Recorder, identity store.Identity) {
	id, err := uuid.NewV7()
	if err != nil {
		slog.Warn("generating audit entry id", append(auth.RequestAttrs(r), "error", err)...)
		return
	}
	ip := auth.ClientIP(r)
	accountID := identity.AccountID
	entry := store.AuditEntry{
		ID:        id,
		AccountID: &accountID,
		Action:    AuditAction,
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		IPAddress: &ip,
		CreatedAt: c.now(),
	}
	if ua := r.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}
	if err := rec.Submit(entry); err != nil {
		slog.Warn("audit entry not recorded", append(auth.RequestAttrs(r), "error", err)...)
	}
}

// ServeUsage handles GET /account/quota -- the caller's usage of the current bucket.
// Must run after auth.RequireAuth.
func (c *Controller) ServeUsage(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.InternalServerError(w, r, errors.New("missing identity in context"))
		return
	}
	u, err := c.Usage(r.Context(), identity)
	if err != nil {
		slog.Error("quota usage unavailable", append(auth.RequestAttrs(r), "error", err)...)
		auth.Fail(w, http.StatusInternalServerError, auth.ReasonDependencyUnavailable, "quota usage unavailable")
		return
	}
	auth.JSON(w, http.StatusOK, u)
}
