// middleware.go

// Authentication middleware and request context accessors.
package auth

import (
	"context"
	"net/http"

	"github.com/MGallo-Code/tollgate/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const resolutionKey contextKey = "resolution"

// WithResolution returns ctx carrying res. Used by the middleware and by tests.
func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, resolutionKey, res)
}

// IdentityFromContext retrieves the resolved caller.
// Returns false if no middleware ran or the request is anonymous.
func IdentityFromContext(ctx context.Context) (store.Identity, bool) {
	res, ok := ctx.Value(resolutionKey).(Resolution)
	if !ok || res.Scheme == SchemeNone {
		return store.Identity{}, false
	}
	return res.Identity, true
}

// SchemeFromContext reports which credential resolved the request; SchemeNone if anonymous.
func SchemeFromContext(ctx context.Context) Scheme {
	res, _ := ctx.Value(resolutionKey).(Resolution)
	return res.Scheme
}

// RequireAuth resolves the caller or rejects: 401 for credential failures,
// 500 when the identity store is unreachable.
func (v *Verifier) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := v.Resolve(r.Context(), CredentialsFromRequest(r), false)
		if err != nil {
			status, reason := classify(err)
			if status == http.StatusInternalServerError {
				logError(r, "require auth failed", "reason", reason, "error", err)
				Fail(w, status, reason, "identity could not be established")
				return
			}
			logWarn(r, "require auth failed", "reason", reason, "error", err)
			Fail(w, status, reason, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
	})
}

// OptionalAuth resolves the caller if it can and otherwise continues anonymously.
// Never rejects.
func (v *Verifier) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := CredentialsFromRequest(r)
		res, _ := v.Resolve(r.Context(), creds, true)
		if res.Scheme == SchemeNone && !creds.Empty() {
			logDebug(r, "optional auth proceeding anonymously")
		}
		next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
	})
}
