// oauth.go -- Identity-provider login: redirect to consent, then exchange the code
// for verified claims and issue a session token like /login does.
// Providers live in internal/oauth; main.go registers them in Handler.OAuthProviders.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/tollgate/internal/oauth"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// OAuthStateTTL bounds how long a user may sit on the consent page.
const OAuthStateTTL = 10 * time.Minute

// OAuthStateStore keeps the PKCE verifier between redirect and callback.
// Satisfied by *store.RedisStore.
type OAuthStateStore interface {
	SaveOAuthState(ctx context.Context, state string, st store.OAuthState, ttl time.Duration) error
	// TakeOAuthState returns store.ErrCacheMiss for unknown, expired or reused states.
	TakeOAuthState(ctx context.Context, state string) (*store.OAuthState, error)
}

var (
	// errOAuthEmailTaken means a password account already owns the provider's email.
	// Linking it without the owner's consent would hand the account to the IdP user.
	errOAuthEmailTaken = errors.New("email already registered to a password account")

	// errOAuthAccountInactive means the linked account was deactivated.
	errOAuthAccountInactive = errors.New("linked account is inactive")
)

// randomURLToken returns 32 random bytes, base64url encoded.
func randomURLToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// OAuthRedirect handles GET /oauth/{provider} -- saves state + PKCE verifier in Redis
// and redirects to the provider's consent page. 404 for unconfigured providers.
func (h *Handler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	state, err := randomURLToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	verifier, err := randomURLToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	st := store.OAuthState{Provider: provider.Name(), Verifier: verifier}
	if err := h.States.SaveOAuthState(r.Context(), state, st, OAuthStateTTL); err != nil {
		logError(r, "failed to save oauth state", "error", err, "provider", provider.Name())
		Fail(w, http.StatusInternalServerError, ReasonDependencyUnavailable, "login could not be started")
		return
	}

	challenge := sha256.Sum256([]byte(verifier))
	http.Redirect(w, r, provider.AuthCodeURL(state, base64.RawURLEncoding.EncodeToString(challenge[:])), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback -- consumes the state, exchanges
// the code, finds or provisions the account and returns a session token.
// 400 for a bad or replayed state, 401 when the provider can't vouch for the user,
// 409 when the email belongs to a password account.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		logInfo(r, "oauth consent declined", "provider", provider.Name(), "oauth_error", e)
		Unauthorized(w, r, ReasonInvalidCredentials, "authorization was not granted")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		BadRequest(w, r, "state and code are required")
		return
	}

	// Taking the state deletes it, so a replayed callback fails here.
	st, err := h.States.TakeOAuthState(r.Context(), state)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) || errors.Is(err, store.ErrMalformedCacheEntry) {
			logWarn(r, "oauth callback with unknown state", "provider", provider.Name())
			BadRequest(w, r, "invalid or expired oauth state")
			return
		}
		logError(r, "failed to read oauth state", "error", err)
		Fail(w, http.StatusInternalServerError, ReasonDependencyUnavailable, "login could not be completed")
		return
	}
	if st.Provider != provider.Name() {
		logWarn(r, "oauth state issued for another provider", "provider", provider.Name(), "state_provider", st.Provider)
		BadRequest(w, r, "invalid or expired oauth state")
		return
	}

	claims, err := provider.Exchange(r.Context(), code, st.Verifier)
	if err != nil {
		logWarn(r, "oauth code exchange failed", "error", err, "provider", provider.Name())
		Unauthorized(w, r, ReasonInvalidCredentials, "oauth authentication failed")
		return
	}
	if !claims.EmailVerified || ValidateEmail(strings.ToLower(claims.Email)) != "" {
		logInfo(r, "oauth login without a verified email", "provider", provider.Name())
		Unauthorized(w, r, ReasonInvalidCredentials, "identity provider email is not verified")
		return
	}

	account, apiKey, err := h.findOrProvisionOAuth(r, provider.Name(), claims)
	switch {
	case errors.Is(err, errOAuthEmailTaken):
		Fail(w, http.StatusConflict, ReasonConflict, "an account with this email already exists, log in with your password")
		return
	case errors.Is(err, errOAuthAccountInactive):
		Unauthorized(w, r, ReasonUnknownAccount, "account is deactivated")
		return
	case err != nil:
		logError(r, "oauth find or provision failed", "error", err, "provider", provider.Name())
		Fail(w, http.StatusInternalServerError, ReasonDependencyUnavailable, "identity could not be established")
		return
	}

	token, expiresAt, err := h.Tokens.Issue(account)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	status := http.StatusOK
	if apiKey != "" {
		status = http.StatusCreated
	}
	logInfo(r, "oauth login", "account_id", account.ID, "provider", provider.Name(), "provisioned", apiKey != "")
	JSON(w, status, sessionResponse{
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

// findOrProvisionOAuth returns the account linked to (provider, claims.Subject), creating
// one when neither the identity nor its email is known. apiKey is non-empty only for a
// freshly provisioned account.
func (h *Handler) findOrProvisionOAuth(r *http.Request, provider string, claims *oauth.Claims) (*store.Account, string, error) {
	ctx := r.Context()

	account, err := h.PS.GetAccountByOAuth(ctx, provider, claims.Subject)
	if err == nil {
		if !account.Active {
			return nil, "", errOAuthAccountInactive
		}
		return account, "", nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("looking up oauth identity: %w", err)
	}

	email := strings.ToLower(claims.Email)
	if _, err := h.PS.GetAccountByEmail(ctx, email); err == nil {
		logWarn(r, "oauth email matches existing account, refusing to link", "provider", provider)
		return nil, "", errOAuthEmailTaken
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("looking up account by email: %w", err)
	}

	apiKey, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	username, err := oauthUsername(email)
	if err != nil {
		return nil, "", err
	}
	account, err = h.PS.CreateOAuthAccount(ctx, username, email, apiKey, h.DefaultQuota, provider, claims.Subject)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race with a concurrent registration of the same email.
			return nil, "", errOAuthEmailTaken
		}
		return nil, "", fmt.Errorf("provisioning oauth account: %w", err)
	}
	return account, apiKey, nil
}

// oauthUsername derives a username from the email's local part plus a random suffix,
// e.g. jane.doe_3fa91c. Always passes ValidateUsername.
func oauthUsername(email string) (string, error) {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range local {
		if b.Len() == 20 {
			break
		}
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || strings.ContainsRune("_-.", r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		b.WriteString("user")
	}

	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return b.String() + "_" + hex.EncodeToString(suffix[:]), nil
}

// oauthProvider resolves the {provider} URL param. Writes 404 when it isn't configured.
func (h *Handler) oauthProvider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	p, ok := h.OAuthProviders[chi.URLParam(r, "provider")]
	if !ok {
		Fail(w, http.StatusNotFound, ReasonNotFound, "unknown identity provider")
		return nil, false
	}
	return p, true
}
