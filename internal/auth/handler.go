// handler.go -- HTTP handlers for registration, login, and /account/* endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/tollgate/internal/oauth"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store defines database operations needed by the account handlers.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Store interface {
	AccountStore

	// CreateAccount inserts a new active account. quota <= 0 uses the column default.
	CreateAccount(ctx context.Context, username, email, passwordHash, apiKey string, quota int) (*store.Account, error)

	// GetAccountByEmail fetches an account for login verification.
	GetAccountByEmail(ctx context.Context, email string) (*store.Account, error)

	// GetAccountByOAuth fetches the account linked to a provider identity.
	// Returns pgx.ErrNoRows if none is linked.
	GetAccountByOAuth(ctx context.Context, provider, providerID string) (*store.Account, error)

	// CreateOAuthAccount provisions a passwordless account linked to a provider identity.
	CreateOAuthAccount(ctx context.Context, username, email, apiKey string, quota int, provider, providerID string) (*store.Account, error)

	// RotateAPIKey replaces the account's key and returns the previous one (nil if none).
	RotateAPIKey(ctx context.Context, id int64, newKey string) (*string, error)

	// UpdateHourlyQuota sets hourly_quota. Returns pgx.ErrNoRows if the account is missing.
	UpdateHourlyQuota(ctx context.Context, id int64, quota int) error

	// DeactivateAccount sets active=false. Returns pgx.ErrNoRows if the account is missing.
	DeactivateAccount(ctx context.Context, id int64) error

	// ListAuditEntries returns up to limit entries for the account, newest first.
	ListAuditEntries(ctx context.Context, accountID int64, limit int) ([]store.AuditEntry, error)

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error
}

// Cache is the identity cache surface the handlers need (eviction + health).
// Satisfied by *store.RedisStore.
type Cache interface {
	IdentityCache

	// CheckHealth pings Redis.
	CheckHealth(ctx context.Context) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow checks whether the action is within policy, records the attempt.
	// Returns nil if allowed; store.ErrRateLimitExceeded if locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// CaptchaVerifier checks a CAPTCHA response token.
// Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// LoginEmailPolicy is the default per-email lockout applied on login attempts.
// Applied before any DB work -- rejected requests never reach Argon2id.
var LoginEmailPolicy = store.RateLimit{
	MaxAttempts: 10,
	Window:      10 * time.Minute,
	LockoutTTL:  15 * time.Minute,
}

// MaxHourlyQuota caps what an account may set for itself.
const MaxHourlyQuota = 1_000_000

// Audit listing bounds for GET /account/audit.
const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// Handler holds dependencies for the account HTTP handlers.
type Handler struct {
	PS      Store
	RS      Cache
	RL      RateLimiter
	Tokens  *Tokens
	Captcha CaptchaVerifier // nil disables CAPTCHA on /register

	// OAuthProviders is keyed by the {provider} URL segment; empty disables /oauth/*.
	OAuthProviders map[string]oauth.Provider
	States         OAuthStateStore

	// DefaultQuota is assigned to new accounts; 0 uses the column default.
	DefaultQuota int
	// LoginPolicy overrides LoginEmailPolicy when non-zero.
	LoginPolicy store.RateLimit
}

// sessionResponse is returned by /register and /login.
type sessionResponse struct {
	AccountID    int64     `json:"account_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	SessionToken string    `json:"session_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	APIKey       string    `json:"api_key,omitempty"`
	HourlyQuota  int       `json:"hourly_quota"`
}

// Register handles POST /register -- creates an account and returns a session token
// plus the account's first API key. 400 for validation errors, 409 on duplicate.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username     string `json:"username"`
		Email        string `json:"email"`
		Password     string `json:"password"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Username = strings.TrimSpace(input.Username)

	for _, msg := range []string{
		ValidateUsername(input.Username),
		ValidateEmail(input.Email),
		ValidatePassword(input.Password),
	} {
		if msg != "" {
			BadRequest(w, r, msg)
			return
		}
	}

	if h.Captcha != nil {
		if input.CaptchaToken == "" {
			BadRequest(w, r, "captcha_token required")
			return
		}
		if err := h.Captcha.Verify(r.Context(), input.CaptchaToken, ClientIP(r)); err != nil {
			logWarn(r, "captcha verification failed", "error", err)
			BadRequest(w, r, "captcha verification failed")
			return
		}
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	apiKey, err := GenerateAPIKey()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	account, err := h.PS.CreateAccount(r.Context(), input.Username, input.Email, hash, apiKey, h.DefaultQuota)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			logInfo(r, "registration attempted with existing username or email")
			Fail(w, http.StatusConflict, ReasonConflict, "username or email already registered")
			return
		}
		logError(r, "failed to create account", "error", err)
		InternalServerError(w, r, err)
		return
	}

	token, expiresAt, err := h.Tokens.Issue(account)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "account registered", "account_id", account.ID)
	JSON(w, http.StatusCreated, sessionResponse{
		AccountID:    account.ID,
		Username:     account.Username,
		Email:        account.Email,
		SessionToken: token,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		APIKey:       apiKey,
		HourlyQuota:  account.HourlyQuota,
	})
}

// Login handles POST /login -- email + password authentication.
// Returns 200 with a session token, 401 for bad credentials, 429 when locked out.
// Argon2id dummy-hash equalises timing when the account doesn't exist.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))

	// Invalid email or missing password -- both return generic 401 (no enumeration).
	if ValidateEmail(input.Email) != "" || input.Password == "" {
		Unauthorized(w, r, ReasonInvalidCredentials, "invalid credentials")
		return
	}

	policy := h.LoginPolicy
	if policy == (store.RateLimit{}) {
		policy = LoginEmailPolicy
	}
	if err := h.RL.Allow(r.Context(), "login:email:"+input.Email, policy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			logWarn(r, "login rate limited")
			TooManyRequests(w, "too many login attempts")
			return
		}
		// Limiter outage shouldn't lock everyone out.
		logError(r, "login rate limiter failed, continuing", "error", err)
	}

	account, err := h.PS.GetAccountByEmail(r.Context(), input.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			VerifyPassword(input.Password, dummyPasswordHash)
			logInfo(r, "login attempted with non-existent email")
			Unauthorized(w, r, ReasonInvalidCredentials, "invalid credentials")
			return
		}
		logError(r, "failed to fetch account for login", "error", err)
		Fail(w, http.StatusInternalServerError, ReasonDependencyUnavailable, "identity could not be established")
		return
	}

	// Provider-provisioned accounts have no password to check.
	if account.PasswordHash == store.NoPasswordHash {
		VerifyPassword(input.Password, dummyPasswordHash)
		logInfo(r, "password login attempted on oauth-only account", "account_id", account.ID)
		Unauthorized(w, r, ReasonInvalidCredentials, "invalid credentials")
		return
	}

	valid, err := VerifyPassword(input.Password, account.PasswordHash)
	if err != nil {
		logError(r, "password verification failed", "error", err)
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		logInfo(r, "login attempted with incorrect password", "account_id", account.ID)
		Unauthorized(w, r, ReasonInvalidCredentials, "invalid credentials")
		return
	}
	if !account.Active {
		logInfo(r, "login attempted on deactivated account", "account_id", account.ID)
		Unauthorized(w, r, ReasonInvalidCredentials, "invalid credentials")
		return
	}

	token, expiresAt, err := h.Tokens.Issue(account)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "account logged in", "account_id", account.ID)
	JSON(w, http.StatusOK, sessionResponse{
		AccountID:    account.ID,
		Username:     account.Username,
		Email:        account.Email,
		SessionToken: token,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		HourlyQuota:  account.HourlyQuota,
	})
}

// identityOrFail pulls the caller from context; a miss means the route skipped RequireAuth.
func identityOrFail(w http.ResponseWriter, r *http.Request) (store.Identity, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing identity in context"))
	}
	return identity, ok
}

// evict drops a cached identity. Non-fatal; the entry expires with its TTL anyway.
func (h *Handler) evict(r *http.Request, apiKey *string) {
	if apiKey == nil || *apiKey == "" {
		return
	}
	if err := h.RS.DeleteIdentity(r.Context(), *apiKey); err != nil {
		logWarn(r, "failed to evict identity cache entry", "error", err)
	}
}

// Account handles GET /account -- returns the resolved identity and how it was resolved.
func (h *Handler) Account(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrFail(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, struct {
		store.Identity
		Scheme string `json:"scheme"`
	}{identity, SchemeFromContext(r.Context()).String()})
}

// UpdateQuota handles PUT /account/quota -- sets the caller's own hourly quota.
// Evicts the cached identity so API key callers see the new value immediately.
func (h *Handler) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrFail(w, r)
	if !ok {
		return
	}

	var input struct {
		HourlyQuota int `json:"hourly_quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.HourlyQuota <= 0 || input.HourlyQuota > MaxHourlyQuota {
		BadRequest(w, r, "hourly_quota must be between 1 and "+strconv.Itoa(MaxHourlyQuota))
		return
	}

	if err := h.PS.UpdateHourlyQuota(r.Context(), identity.AccountID, input.HourlyQuota); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			Unauthorized(w, r, ReasonUnknownAccount, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	h.evict(r, identity.APIKey)

	logInfo(r, "hourly quota updated", "hourly_quota", input.HourlyQuota)
	JSON(w, http.StatusOK, map[string]int{"hourly_quota": input.HourlyQuota})
}

// RotateAPIKey handles POST /account/api-key -- issues a new key and invalidates the old one.
// Session tokens already issued are unaffected.
func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrFail(w, r)
	if !ok {
		return
	}

	newKey, err := GenerateAPIKey()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	oldKey, err := h.PS.RotateAPIKey(r.Context(), identity.AccountID, newKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			Unauthorized(w, r, ReasonUnknownAccount, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	h.evict(r, oldKey)

	logInfo(r, "api key rotated")
	JSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}

// Deactivate handles POST /account/deactivate -- disables the account.
// All subsequent requests fail with UnknownAccount, including still-valid session tokens.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrFail(w, r)
	if !ok {
		return
	}

	if err := h.PS.DeactivateAccount(r.Context(), identity.AccountID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			Unauthorized(w, r, ReasonUnknownAccount, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	h.evict(r, identity.APIKey)

	logInfo(r, "account deactivated")
	OK(w, "account deactivated")
}

// ListAudit handles GET /account/audit?limit=N -- the caller's recent audit entries.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrFail(w, r)
	if !ok {
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.PS.ListAuditEntries(r.Context(), identity.AccountID, limit)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries})
}
