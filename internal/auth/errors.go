// errors.go -- Authentication failure taxonomy.
package auth

import (
	"errors"
	"net/http"
)

// Sentinel errors returned by the Verifier. Wrapped with %w; match with errors.Is.
var (
	// ErrMissingCredential means neither a bearer token nor an API key was presented.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidToken covers malformed, tampered, expired, or wrongly-signed session tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnknownAccount means the credential was well-formed but matches no active account.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrDependencyUnavailable means the identity store could not be reached.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// Machine-readable reasons carried in the "error" field of failure bodies.
const (
	ReasonMissingCredential     = "MissingCredential"
	ReasonInvalidToken          = "InvalidToken"
	ReasonUnknownAccount        = "UnknownAccount"
	ReasonDependencyUnavailable = "DependencyUnavailable"
)

// classify maps a verifier error onto its HTTP status and reason.
// Anything unrecognised is treated as a dependency failure.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return http.StatusUnauthorized, ReasonMissingCredential
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, ReasonInvalidToken
	case errors.Is(err, ErrUnknownAccount):
		return http.StatusUnauthorized, ReasonUnknownAccount
	default:
		return http.StatusInternalServerError, ReasonDependencyUnavailable
	}
}
