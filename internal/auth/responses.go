// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware here and by the quota and tools packages.
// Failure bodies carry a machine-readable reason in "error" plus a human message.
package auth

import (
	"encoding/json"
	"net/http"
)

// Reasons for failures outside the credential taxonomy.
const (
	ReasonBadRequest         = "BadRequest"
	ReasonInvalidCredentials = "InvalidCredentials"
	ReasonConflict           = "Conflict"
	ReasonNotFound           = "NotFound"
	ReasonRateLimited        = "RateLimited"
	ReasonInternal           = "InternalError"
)

// failure is the JSON shape of every non-2xx response.
type failure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes v with status. Encoding errors are ignored; headers are already sent.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Fail writes {"error": reason, "message": message} with status.
func Fail(w http.ResponseWriter, status int, reason, message string) {
	JSON(w, status, failure{Error: reason, Message: message})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	Fail(w, http.StatusInternalServerError, ReasonInternal, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	Fail(w, http.StatusBadRequest, ReasonBadRequest, message)
}

// Unauthorized returns a 401 JSON response. Keep message generic to prevent enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, reason, message string) {
	Fail(w, http.StatusUnauthorized, reason, message)
}

// TooManyRequests returns a 429 JSON response for login lockouts and throttling.
func TooManyRequests(w http.ResponseWriter, message string) {
	Fail(w, http.StatusTooManyRequests, ReasonRateLimited, message)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, map[string]string{"message": message})
}
