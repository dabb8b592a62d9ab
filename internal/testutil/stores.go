// stores.go
//
// Shared mock implementations of the store-facing interfaces (auth.Store, auth.Cache,
// auth.OAuthStateStore, auth.RateLimiter, audit.Sink).
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MockStore implements auth.Store and audit.Sink for tests.
// Always stateful...Accounts and Audit behave like real tables.
// Use *Err fields to inject errors for specific operations.
// Use NewMockStore to seed accounts; or construct directly and set *Err fields for error-path tests.
type MockStore struct {
	// Error injection...zero value means no error
	CreateAccountErr error // also fails CreateOAuthAccount
	GetAccountErr    error // applies to every GetAccountBy* lookup
	RotateErr        error
	UpdateQuotaErr   error
	DeactivateErr    error
	InsertAuditErr   error
	ListAuditErr     error
	HealthErr        error

	// Call counters for cache-path assertions.
	GetByIDCalls     int
	GetByAPIKeyCalls int

	Accounts map[int64]*store.Account
	Audit    []store.AuditEntry
	OAuth    map[string]int64 // "provider:providerID" -> account id

	nextID int64
	mu     sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given accounts, indexed by ID.
func NewMockStore(accounts ...*store.Account) *MockStore {
	ms := &MockStore{Accounts: make(map[int64]*store.Account)}
	for _, a := range accounts {
		ms.Accounts[a.ID] = a
		ms.nextID = max(ms.nextID, a.ID)
	}
	return ms
}

// copyAccount returns a detached copy so callers can't mutate store state.
func copyAccount(a *store.Account) *store.Account {
	c := *a
	if a.APIKey != nil {
		k := *a.APIKey
		c.APIKey = &k
	}
	return &c
}

func (m *MockStore) CreateAccount(_ context.Context, username, email, passwordHash, apiKey string, quota int) (*store.Account, error) {
	if m.CreateAccountErr != nil {
		return nil, m.CreateAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAccount(username, email, passwordHash, apiKey, quota)
}

// CreateOAuthAccount inserts a NoPasswordHash account and links the identity, all or nothing.
func (m *MockStore) CreateOAuthAccount(_ context.Context, username, email, apiKey string, quota int, provider, providerID string) (*store.Account, error) {
	if m.CreateAccountErr != nil {
		return nil, m.CreateAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.OAuth[provider+":"+providerID]; ok {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	a, err := m.insertAccount(username, email, store.NoPasswordHash, apiKey, quota)
	if err != nil {
		return nil, err
	}
	if m.OAuth == nil {
		m.OAuth = make(map[string]int64)
	}
	m.OAuth[provider+":"+providerID] = a.ID
	return a, nil
}

func (m *MockStore) GetAccountByOAuth(_ context.Context, provider, providerID string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	id, ok := m.OAuth[provider+":"+providerID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	a, ok := m.Accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyAccount(a), nil
}

// insertAccount enforces the unique columns and stores a new row. Caller holds mu.
func (m *MockStore) insertAccount(username, email, passwordHash, apiKey string, quota int) (*store.Account, error) {
	if m.Accounts == nil {
		m.Accounts = make(map[int64]*store.Account)
	}
	for _, a := range m.Accounts {
		if a.Email == email || a.Username == username {
			return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	if quota <= 0 {
		quota = store.DefaultHourlyQuota
	}
	m.nextID++
	now := time.Now()
	a := &store.Account{
		ID:           m.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		APIKey:       &apiKey,
		HourlyQuota:  quota,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.Accounts[a.ID] = a
	return copyAccount(a), nil
}

func (m *MockStore) GetAccountByID(_ context.Context, id int64) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetByIDCalls++
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	a, ok := m.Accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyAccount(a), nil
}

func (m *MockStore) GetAccountByEmail(_ context.Context, email string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	for _, a := range m.Accounts {
		if a.Email == email {
			return copyAccount(a), nil
		}
	}
	return nil, pgx.ErrNoRows
}

// GetAccountByAPIKey matches active accounts only, like the real query.
func (m *MockStore) GetAccountByAPIKey(_ context.Context, apiKey string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetByAPIKeyCalls++
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	for _, a := range m.Accounts {
		if a.Active && a.APIKey != nil && *a.APIKey == apiKey {
			return copyAccount(a), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) RotateAPIKey(_ context.Context, id int64, newKey string) (*string, error) {
	if m.RotateErr != nil {
		return nil, m.RotateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	old := a.APIKey
	a.APIKey = &newKey
	return old, nil
}

func (m *MockStore) UpdateHourlyQuota(_ context.Context, id int64, quota int) error {
	if m.UpdateQuotaErr != nil {
		return m.UpdateQuotaErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.HourlyQuota = quota
	return nil
}

func (m *MockStore) DeactivateAccount(_ context.Context, id int64) error {
	if m.DeactivateErr != nil {
		return m.DeactivateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.Active = false
	return nil
}

func (m *MockStore) InsertAuditEntry(_ context.Context, e store.AuditEntry) error {
	if m.InsertAuditErr != nil {
		return m.InsertAuditErr
	}
	m.mu.Lock()
	m.Audit = append(m.Audit, e)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) ListAuditEntries(_ context.Context, accountID int64, limit int) ([]store.AuditEntry, error) {
	if m.ListAuditErr != nil {
		return nil, m.ListAuditErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEntry
	for _, e := range slices.Backward(m.Audit) {
		if e.AccountID != nil && *e.AccountID == accountID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// AuditEntries returns a snapshot of recorded audit rows.
func (m *MockStore) AuditEntries() []store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Audit)
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// MockCache implements auth.Cache for tests.
// Always stateful...Identities is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetIdentityErr    error // returned instead of a lookup, e.g. store.ErrMalformedCacheEntry
	SetIdentityErr    error
	DeleteIdentityErr error
	SaveStateErr      error
	TakeStateErr      error
	HealthErr         error

	GetCalls int
	SetCalls int

	Identities map[string]store.Identity   // keyed by api key
	TTLs       map[string]time.Duration    // ttl passed on the last SetIdentity per key
	States     map[string]store.OAuthState // pending oauth round trips, keyed by state

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Identities: make(map[string]store.Identity),
		TTLs:       make(map[string]time.Duration),
	}
}

func (m *MockCache) GetIdentity(_ context.Context, apiKey string) (*store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetIdentityErr != nil {
		return nil, m.GetIdentityErr
	}
	id, ok := m.Identities[apiKey]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &id, nil
}

func (m *MockCache) SetIdentity(_ context.Context, apiKey string, identity store.Identity, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls++
	if m.SetIdentityErr != nil {
		return m.SetIdentityErr
	}
	if m.Identities == nil {
		m.Identities = make(map[string]store.Identity)
		m.TTLs = make(map[string]time.Duration)
	}
	m.Identities[apiKey] = identity
	m.TTLs[apiKey] = ttl
	return nil
}

func (m *MockCache) DeleteIdentity(_ context.Context, apiKey string) error {
	if m.DeleteIdentityErr != nil {
		return m.DeleteIdentityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Identities, apiKey)
	return nil
}

// Has reports whether apiKey is cached.
func (m *MockCache) Has(apiKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Identities[apiKey]
	return ok
}

func (m *MockCache) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

func (m *MockCache) SaveOAuthState(_ context.Context, state string, st store.OAuthState, _ time.Duration) error {
	if m.SaveStateErr != nil {
		return m.SaveStateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.States == nil {
		m.States = make(map[string]store.OAuthState)
	}
	m.States[state] = st
	return nil
}

// TakeOAuthState is single-use like the real GETDEL.
func (m *MockCache) TakeOAuthState(_ context.Context, state string) (*store.OAuthState, error) {
	if m.TakeStateErr != nil {
		return nil, m.TakeStateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.States[state]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	delete(m.States, state)
	return &st, nil
}

// MockRateLimiter implements auth.RateLimiter. Records every key it is asked about.
type MockRateLimiter struct {
	AllowErr error
	Keys     []string

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	m.mu.Lock()
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()
	return m.AllowErr
}
