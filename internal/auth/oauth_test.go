// oauth_test.go

// unit tests for OAuthRedirect and OAuthCallback against a fake identity provider.

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MGallo-Code/tollgate/internal/oauth"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/MGallo-Code/tollgate/internal/testutil"
	"github.com/go-chi/chi/v5"
)

// fakeProvider returns fixed claims from Exchange and records what it was sent.
type fakeProvider struct {
	name   string
	claims oauth.Claims
	err    error

	code, verifier string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state, codeChallenge string) string {
	v := url.Values{"state": {state}, "code_challenge": {codeChallenge}}
	return "https://idp.example.com/auth?" + v.Encode()
}

func (p *fakeProvider) Exchange(_ context.Context, code, codeVerifier string) (*oauth.Claims, error) {
	p.code, p.verifier = code, codeVerifier
	if p.err != nil {
		return nil, p.err
	}
	c := p.claims
	return &c, nil
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		name:   "google",
		claims: oauth.Claims{Subject: "g-1", Email: "New.User@Example.com", EmailVerified: true},
	}
}

func newOAuthHandler(ms *testutil.MockStore, mc *testutil.MockCache, p *fakeProvider) *Handler {
	h, _ := newTestHandler(ms, mc)
	h.OAuthProviders = map[string]oauth.Provider{p.name: p}
	h.States = mc
	h.DefaultQuota = 250
	return h
}

// withProvider sets the {provider} URL param the way chi's router would.
func withProvider(r *http.Request, name string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", name)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func callback(h *Handler, provider, query string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/oauth/"+provider+"/callback?"+query, nil)
	h.OAuthCallback(w, withProvider(r, provider))
	return w
}

// seedState stores a pending round trip as OAuthRedirect would.
func seedState(t *testing.T, mc *testutil.MockCache, state, provider string) {
	t.Helper()
	st := store.OAuthState{Provider: provider, Verifier: "verifier-" + state}
	if err := mc.SaveOAuthState(context.Background(), state, st, OAuthStateTTL); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
}

// --- OAuthRedirect ---

func TestOAuthRedirect(t *testing.T) {
	t.Run("saves state and sends an S256 challenge", func(t *testing.T) {
		mc := testutil.NewMockCache()
		h := newOAuthHandler(testutil.NewMockStore(), mc, newFakeProvider())
		w := httptest.NewRecorder()

		h.OAuthRedirect(w, withProvider(httptest.NewRequest(http.MethodGet, "/oauth/google", nil), "google"))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d: %s", w.Code, w.Body)
		}
		loc, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing Location: %v", err)
		}
		state := loc.Query().Get("state")
		st, ok := mc.States[state]
		if !ok {
			t.Fatalf("state %q was not saved, have %v", state, mc.States)
		}
		if st.Provider != "google" {
			t.Errorf("saved provider: expected google, got %q", st.Provider)
		}
		sum := sha256.Sum256([]byte(st.Verifier))
		if want := base64.RawURLEncoding.EncodeToString(sum[:]); loc.Query().Get("code_challenge") != want {
			t.Errorf("code_challenge: expected %s, got %s", want, loc.Query().Get("code_challenge"))
		}
	})

	t.Run("each redirect gets a fresh state", func(t *testing.T) {
		mc := testutil.NewMockCache()
		h := newOAuthHandler(testutil.NewMockStore(), mc, newFakeProvider())
		for i := 0; i < 2; i++ {
			h.OAuthRedirect(httptest.NewRecorder(), withProvider(httptest.NewRequest(http.MethodGet, "/oauth/google", nil), "google"))
		}
		if len(mc.States) != 2 {
			t.Errorf("expected 2 pending states, got %d", len(mc.States))
		}
	})

	t.Run("unknown provider is 404", func(t *testing.T) {
		h := newOAuthHandler(testutil.NewMockStore(), testutil.NewMockCache(), newFakeProvider())
		w := httptest.NewRecorder()

		h.OAuthRedirect(w, withProvider(httptest.NewRequest(http.MethodGet, "/oauth/github", nil), "github"))

		assertFailure(t, w, http.StatusNotFound, ReasonNotFound)
	})

	t.Run("state store outage is 500", func(t *testing.T) {
		mc := testutil.NewMockCache()
		mc.SaveStateErr = errors.New("redis down")
		h := newOAuthHandler(testutil.NewMockStore(), mc, newFakeProvider())
		w := httptest.NewRecorder()

		h.OAuthRedirect(w, withProvider(httptest.NewRequest(http.MethodGet, "/oauth/google", nil), "google"))

		assertFailure(t, w, http.StatusInternalServerError, ReasonDependencyUnavailable)
	})
}

// --- OAuthCallback ---

func TestOAuthCallback(t *testing.T) {
	t.Run("first login provisions an account", func(t *testing.T) {
		ms, mc, p := testutil.NewMockStore(), testutil.NewMockCache(), newFakeProvider()
		h := newOAuthHandler(ms, mc, p)
		seedState(t, mc, "s1", "google")

		w := callback(h, "google", "state=s1&code=c1")

		if w.Code != http.StatusCreated {
			t.Fatalf("status: expected 201, got %d: %s", w.Code, w.Body)
		}
		resp := decodeSession(t, w)
		if resp.Email != "new.user@example.com" {
			t.Errorf("email should be lowercased, got %q", resp.Email)
		}
		if !strings.HasPrefix(resp.APIKey, "tg_") {
			t.Errorf("expected a fresh api key, got %q", resp.APIKey)
		}
		if resp.HourlyQuota != 250 {
			t.Errorf("quota: expected default 250, got %d", resp.HourlyQuota)
		}
		if _, err := h.Tokens.Parse(resp.SessionToken); err != nil {
			t.Errorf("token should parse: %v", err)
		}
		if p.code != "c1" || p.verifier != "verifier-s1" {
			t.Errorf("exchange: expected c1/verifier-s1, got %s/%s", p.code, p.verifier)
		}
		if got := ms.Accounts[resp.AccountID].PasswordHash; got != store.NoPasswordHash {
			t.Errorf("password hash: expected %q, got %q", store.NoPasswordHash, got)
		}
	})

	t.Run("returning user gets a session without a new key", func(t *testing.T) {
		ms, mc := testutil.NewMockStore(), testutil.NewMockCache()
		h := newOAuthHandler(ms, mc, newFakeProvider())
		seedState(t, mc, "s1", "google")
		first := decodeSession(t, callback(h, "google", "state=s1&code=c1"))

		seedState(t, mc, "s2", "google")
		w := callback(h, "google", "state=s2&code=c2")

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d: %s", w.Code, w.Body)
		}
		resp := decodeSession(t, w)
		if resp.AccountID != first.AccountID || resp.APIKey != "" {
			t.Errorf("expected same account and no key, got %+v", resp)
		}
		if len(ms.Accounts) != 1 {
			t.Errorf("expected one account, got %d", len(ms.Accounts))
		}
	})

	t.Run("state is single use", func(t *testing.T) {
		mc := testutil.NewMockCache()
		h := newOAuthHandler(testutil.NewMockStore(), mc, newFakeProvider())
		seedState(t, mc, "s1", "google")
		callback(h, "google", "state=s1&code=c1")

		w := callback(h, "google", "state=s1&code=c1")

		assertFailure(t, w, http.StatusBadRequest, ReasonBadRequest)
	})

	t.Run("password account email is a conflict", func(t *testing.T) {
		existing := testAccount(7)
		existing.Email = "new.user@example.com"
		ms, mc := testutil.NewMockStore(existing), testutil.NewMockCache()
		h := newOAuthHandler(ms, mc, newFakeProvider())
		seedState(t, mc, "s1", "google")

		w := callback(h, "google", "state=s1&code=c1")

		assertFailure(t, w, http.StatusConflict, ReasonConflict)
		if len(ms.OAuth) != 0 {
			t.Errorf("identity should not be linked, got %v", ms.OAuth)
		}
	})

	t.Run("deactivated linked account is rejected", func(t *testing.T) {
		ms, mc := testutil.NewMockStore(), testutil.NewMockCache()
		h := newOAuthHandler(ms, mc, newFakeProvider())
		seedState(t, mc, "s1", "google")
		first := decodeSession(t, callback(h, "google", "state=s1&code=c1"))
		ms.Accounts[first.AccountID].Active = false

		seedState(t, mc, "s2", "google")
		w := callback(h, "google", "state=s2&code=c2")

		assertFailure(t, w, http.StatusUnauthorized, ReasonUnknownAccount)
	})

	failures := []struct {
		name       string
		query      string
		setup      func(*testutil.MockStore, *testutil.MockCache, *fakeProvider)
		wantStatus int
		wantReason string
	}{
		{"consent declined", "error=access_denied&state=s1", nil, http.StatusUnauthorized, ReasonInvalidCredentials},
		{"missing code", "state=s1", nil, http.StatusBadRequest, ReasonBadRequest},
		{"missing state", "code=c1", nil, http.StatusBadRequest, ReasonBadRequest},
		{"unknown state", "state=nope&code=c1", nil, http.StatusBadRequest, ReasonBadRequest},
		{"state from another provider", "state=s1&code=c1", func(_ *testutil.MockStore, mc *testutil.MockCache, _ *fakeProvider) {
			mc.States["s1"] = store.OAuthState{Provider: "github", Verifier: "v"}
		}, http.StatusBadRequest, ReasonBadRequest},
		{"malformed state entry", "state=s1&code=c1", func(_ *testutil.MockStore, mc *testutil.MockCache, _ *fakeProvider) {
			mc.TakeStateErr = store.ErrMalformedCacheEntry
		}, http.StatusBadRequest, ReasonBadRequest},
		{"state store outage", "state=s1&code=c1", func(_ *testutil.MockStore, mc *testutil.MockCache, _ *fakeProvider) {
			mc.TakeStateErr = errors.New("redis down")
		}, http.StatusInternalServerError, ReasonDependencyUnavailable},
		{"exchange fails", "state=s1&code=c1", func(_ *testutil.MockStore, _ *testutil.MockCache, p *fakeProvider) {
			p.err = errors.New("invalid_grant")
		}, http.StatusUnauthorized, ReasonInvalidCredentials},
		{"email not verified", "state=s1&code=c1", func(_ *testutil.MockStore, _ *testutil.MockCache, p *fakeProvider) {
			p.claims.EmailVerified = false
		}, http.StatusUnauthorized, ReasonInvalidCredentials},
		{"email missing", "state=s1&code=c1", func(_ *testutil.MockStore, _ *testutil.MockCache, p *fakeProvider) {
			p.claims.Email = ""
		}, http.StatusUnauthorized, ReasonInvalidCredentials},
		{"store outage", "state=s1&code=c1", func(ms *testutil.MockStore, _ *testutil.MockCache, _ *fakeProvider) {
			ms.GetAccountErr = errors.New("db down")
		}, http.StatusInternalServerError, ReasonDependencyUnavailable},
	}
	for _, tt := range failures {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			ms, mc, p := testutil.NewMockStore(), testutil.NewMockCache(), newFakeProvider()
			h := newOAuthHandler(ms, mc, p)
			seedState(t, mc, "s1", "google")
			if tt.setup != nil {
				tt.setup(ms, mc, p)
			}

			w := callback(h, "google", tt.query)

			assertFailure(t, w, tt.wantStatus, tt.wantReason)
			if len(ms.Accounts) != 0 {
				t.Errorf("no account should be provisioned, got %d", len(ms.Accounts))
			}
		})
	}

	t.Run("unknown provider is 404", func(t *testing.T) {
		h := newOAuthHandler(testutil.NewMockStore(), testutil.NewMockCache(), newFakeProvider())

		w := callback(h, "github", "state=s1&code=c1")

		assertFailure(t, w, http.StatusNotFound, ReasonNotFound)
	})

	t.Run("provisioned account cannot log in with a password", func(t *testing.T) {
		ms, mc := testutil.NewMockStore(), testutil.NewMockCache()
		h := newOAuthHandler(ms, mc, newFakeProvider())
		seedState(t, mc, "s1", "google")
		callback(h, "google", "state=s1&code=c1")
		w := httptest.NewRecorder()

		h.Login(w, jsonRequest(http.MethodPost, "/login", `{"email":"new.user@example.com","password":"!"}`))

		assertFailure(t, w, http.StatusUnauthorized, ReasonInvalidCredentials)
	})
}

func TestOAuthUsername(t *testing.T) {
	emails := []string{
		"jane.doe@example.com",
		"a@example.com",
		"+++@example.com",
		"UPPER@example.com",
		"averyveryverylonglocalpartthatgoesonandon@example.com",
		"ünïcödé@example.com",
	}
	for _, email := range emails {
		t.Run(email, func(t *testing.T) {
			name, err := oauthUsername(strings.ToLower(email))
			if err != nil {
				t.Fatalf("oauthUsername: %v", err)
			}
			if msg := ValidateUsername(name); msg != "" {
				t.Errorf("%q fails validation: %s", name, msg)
			}
		})
	}

	a, _ := oauthUsername("same@example.com")
	b, _ := oauthUsername("same@example.com")
	if a == b {
		t.Errorf("expected random suffixes to differ, both %q", a)
	}
}
