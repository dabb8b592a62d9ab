// verifier.go

// Credential verification: session tokens, API keys, and ordered resolution of both.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/tollgate/internal/metrics"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/jackc/pgx/v5"
)

// AccountStore is the identity store lookup surface the Verifier needs.
// Satisfied by *store.PostgresStore.
type AccountStore interface {
	// GetAccountByID returns pgx.ErrNoRows if no account has id.
	GetAccountByID(ctx context.Context, id int64) (*store.Account, error)

	// GetAccountByAPIKey returns pgx.ErrNoRows unless an active account holds apiKey.
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*store.Account, error)
}

// IdentityCache is the read-through cache in front of API key lookups.
// Satisfied by *store.RedisStore.
type IdentityCache interface {
	// GetIdentity returns store.ErrCacheMiss on a miss, store.ErrMalformedCacheEntry on bad data.
	GetIdentity(ctx context.Context, apiKey string) (*store.Identity, error)

	// SetIdentity caches identity under apiKey for ttl.
	SetIdentity(ctx context.Context, apiKey string, identity store.Identity, ttl time.Duration) error

	// DeleteIdentity evicts apiKey. Missing keys are not an error.
	DeleteIdentity(ctx context.Context, apiKey string) error
}

// DefaultIdentityCacheTTL is how long a resolved API key stays cached.
const DefaultIdentityCacheTTL = 300 * time.Second

// Scheme identifies which credential resolved a request.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeSessionToken
	SchemeAPIKey
)

func (s Scheme) String() string {
	switch s {
	case SchemeSessionToken:
		return "session_token"
	case SchemeAPIKey:
		return "api_key"
	default:
		return "none"
	}
}

// Credentials holds whatever the caller presented. Empty fields were not sent.
type Credentials struct {
	SessionToken string
	APIKey       string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.SessionToken == "" && c.APIKey == ""
}

// APIKeyHeader carries Scheme B credentials.
const APIKeyHeader = "X-API-Key"

// CredentialsFromRequest reads "Authorization: Bearer <token>" and the X-API-Key header.
func CredentialsFromRequest(r *http.Request) Credentials {
	var creds Credentials
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			creds.SessionToken = strings.TrimSpace(token)
		}
	}
	creds.APIKey = strings.TrimSpace(r.Header.Get(APIKeyHeader))
	return creds
}

// Resolution is the tagged result of Resolve. Identity is zero when Scheme is SchemeNone.
type Resolution struct {
	Scheme   Scheme
	Identity store.Identity
}

// Verifier resolves credentials to identities.
type Verifier struct {
	Tokens   *Tokens
	Accounts AccountStore
	Cache    IdentityCache
	CacheTTL time.Duration    // 0 uses DefaultIdentityCacheTTL
	Metrics  *metrics.Metrics // optional
}

// VerifySessionToken checks signature and expiry, then loads the account by id.
// The account must exist and be active; the token payload is never trusted for quota.
func (v *Verifier) VerifySessionToken(ctx context.Context, token string) (store.Identity, error) {
	if token == "" {
		return store.Identity{}, ErrMissingCredential
	}

	claims, err := v.Tokens.Parse(token)
	if err != nil {
		v.Metrics.RecordAuth(SchemeSessionToken.String(), "invalid_token")
		return store.Identity{}, err
	}

	account, err := v.Accounts.GetAccountByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			v.Metrics.RecordAuth(SchemeSessionToken.String(), "unknown_account")
			return store.Identity{}, ErrUnknownAccount
		}
		v.Metrics.RecordAuth(SchemeSessionToken.String(), "error")
		return store.Identity{}, fmt.Errorf("%w: loading account %d: %w", ErrDependencyUnavailable, claims.AccountID, err)
	}
	if !account.Active {
		v.Metrics.RecordAuth(SchemeSessionToken.String(), "inactive")
		return store.Identity{}, fmt.Errorf("%w: account %d is deactivated", ErrUnknownAccount, account.ID)
	}

	v.Metrics.RecordAuth(SchemeSessionToken.String(), "ok")
	return account.Identity(), nil
}

// VerifyAPIKey resolves key via the identity cache, falling back to the store.
// A store hit is written back to the cache; write-back failure never fails the call.
func (v *Verifier) VerifyAPIKey(ctx context.Context, key string) (store.Identity, error) {
	if key == "" {
		return store.Identity{}, ErrMissingCredential
	}

	cached, err := v.Cache.GetIdentity(ctx, key)
	switch {
	case err == nil:
		v.Metrics.RecordIdentityCache("hit")
		if !cached.Active {
			v.Metrics.RecordAuth(SchemeAPIKey.String(), "inactive")
			return store.Identity{}, ErrUnknownAccount
		}
		v.Metrics.RecordAuth(SchemeAPIKey.String(), "ok")
		return *cached, nil
	case errors.Is(err, store.ErrCacheMiss):
		v.Metrics.RecordIdentityCache("miss")
	case errors.Is(err, store.ErrMalformedCacheEntry):
		v.Metrics.RecordIdentityCache("malformed")
		slog.Warn("discarding malformed identity cache entry", "api_key", maskAPIKey(key), "error", err)
	default:
		// Cache outage -- store is authoritative, carry on.
		v.Metrics.RecordIdentityCache("error")
		slog.Error("identity cache lookup failed, falling back to store", "api_key", maskAPIKey(key), "error", err)
	}

	account, err := v.Accounts.GetAccountByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			v.Metrics.RecordAuth(SchemeAPIKey.String(), "unknown_account")
			return store.Identity{}, ErrUnknownAccount
		}
		v.Metrics.RecordAuth(SchemeAPIKey.String(), "error")
		return store.Identity{}, fmt.Errorf("%w: loading account by api key: %w", ErrDependencyUnavailable, err)
	}
	if !account.Active {
		v.Metrics.RecordAuth(SchemeAPIKey.String(), "inactive")
		return store.Identity{}, ErrUnknownAccount
	}

	identity := account.Identity()
	ttl := v.CacheTTL
	if ttl <= 0 {
		ttl = DefaultIdentityCacheTTL
	}
	// Detached from request cancellation so a client hang-up doesn't abort the write.
	if err := v.Cache.SetIdentity(context.WithoutCancel(ctx), key, identity, ttl); err != nil {
		slog.Warn("failed to populate identity cache", "account_id", identity.AccountID, "error", err)
	}

	v.Metrics.RecordAuth(SchemeAPIKey.String(), "ok")
	return identity, nil
}

// Resolve tries the session token, then the API key, and returns the first success.
//
// With optional=false a request with no credentials fails with ErrMissingCredential and
// the first scheme error is returned if every presented credential fails. With
// optional=true every failure collapses to SchemeNone with a nil error.
func (v *Verifier) Resolve(ctx context.Context, creds Credentials, optional bool) (Resolution, error) {
	if creds.Empty() {
		if optional {
			return Resolution{Scheme: SchemeNone}, nil
		}
		v.Metrics.RecordAuth(SchemeNone.String(), "missing_credential")
		return Resolution{Scheme: SchemeNone}, ErrMissingCredential
	}

	attempts := []struct {
		scheme Scheme
		cred   string
		verify func(context.Context, string) (store.Identity, error)
	}{
		{SchemeSessionToken, creds.SessionToken, v.VerifySessionToken},
		{SchemeAPIKey, creds.APIKey, v.VerifyAPIKey},
	}

	var firstErr error
	for _, a := range attempts {
		if a.cred == "" {
			continue
		}
		identity, err := a.verify(ctx, a.cred)
		if err == nil {
			return Resolution{Scheme: a.scheme, Identity: identity}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if optional {
		return Resolution{Scheme: SchemeNone}, nil
	}
	return Resolution{Scheme: SchemeNone}, firstErr
}
