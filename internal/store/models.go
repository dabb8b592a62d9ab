// models.go -- Shared domain types for the store package.
// Used by both Postgres (identity store) and Redis (cache + counters).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// DefaultHourlyQuota mirrors the column default on accounts.hourly_quota.
const DefaultHourlyQuota = 100

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetIdentity when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// NoPasswordHash is stored for accounts provisioned through an identity provider.
// It is not a valid encoded hash, so password login can never match it.
const NoPasswordHash = "!"

// ErrMalformedCacheEntry is returned by GetIdentity when the cached value doesn't decode.
var ErrMalformedCacheEntry = errors.New("malformed cache entry")

// Account represents a row in the accounts table.
// APIKey is nil when no key has been issued.
type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	APIKey       *string
	HourlyQuota  int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the resolved caller attached to a request after authentication.
// Also the JSON shape cached in Redis under api_key:<key>.
type Identity struct {
	AccountID   int64   `json:"account_id"`
	Email       string  `json:"email"`
	Username    string  `json:"username"`
	APIKey      *string `json:"api_key,omitempty"`
	HourlyQuota int     `json:"hourly_quota"`
	Active      bool    `json:"active"`
}

// Identity projects an account onto the fields authorization needs.
func (a *Account) Identity() Identity {
	return Identity{
		AccountID:   a.ID,
		Email:       a.Email,
		Username:    a.Username,
		APIKey:      a.APIKey,
		HourlyQuota: a.HourlyQuota,
		Active:      a.Active,
	}
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// AuditEntry represents a row in the audit_logs table.
// AccountID is nil only for entries written after the account row was removed.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	AccountID *int64    `json:"account_id"`
	Action    string    `json:"action"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OAuthState is the server-side half of an authorization-code round trip, kept in
// Redis under oauth_state:<state> until the callback consumes it.
type OAuthState struct {
	Provider string `json:"provider"`
	Verifier string `json:"verifier"` // PKCE code_verifier
}
