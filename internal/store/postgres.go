// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and identity store queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the narrow query contract the store runs against.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
	db   Querier
}

// accountColumns is the select list scanned by scanAccount; keep both in sync.
const accountColumns = `id, username, email, password_hash, api_key, hourly_quota, active, created_at, updated_at`

// NewPostgresStore creates a connection pool to PostgreSQL and wraps it in a store.
// connectTimeout bounds each new connection attempt; pgxpool dials lazily and
// re-dials on demand, so a dropped connection is replaced on next use.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, connectTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if connectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, db: pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres. Used by GET /health.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanAccount reads one accounts row selected with accountColumns.
func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.APIKey,
		&a.HourlyQuota, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account and returns the stored row.
// The caller has to generate the Argon2id hash and API key BEFORE calling this.
// quota <= 0 leaves the column default in place.
// Returns raw pgx error, handler inspects it for unique violations (duplicate email, etc...)
func (s *PostgresStore) CreateAccount(ctx context.Context, username, email, passwordHash, apiKey string, quota int) (*Account, error) {
	if quota <= 0 {
		quota = DefaultHourlyQuota
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO accounts (username, email, password_hash, api_key, hourly_quota)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+accountColumns,
		username, email, passwordHash, apiKey, quota)
	return scanAccount(row)
}

// CreateOAuthAccount provisions an account for a verified identity-provider login and
// links (provider, providerID) to it in one transaction. The account gets NoPasswordHash.
// Returns raw pgx errors; a 23505 means the email, username or identity is already taken.
func (s *PostgresStore) CreateOAuthAccount(ctx context.Context, username, email, apiKey string, quota int, provider, providerID string) (*Account, error) {
	if quota <= 0 {
		quota = DefaultHourlyQuota
	}
	var a *Account
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		a, err = scanAccount(tx.QueryRow(ctx,
			`INSERT INTO accounts (username, email, password_hash, api_key, hourly_quota)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+accountColumns,
			username, email, NoPasswordHash, apiKey, quota))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO oauth_identities (provider, provider_id, account_id) VALUES ($1, $2, $3)`,
			provider, providerID, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccountByOAuth fetches the account linked to (provider, providerID), active or not.
// Returns pgx.ErrNoRows if the identity was never linked.
func (s *PostgresStore) GetAccountByOAuth(ctx context.Context, provider, providerID string) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE id = (SELECT account_id FROM oauth_identities WHERE provider = $1 AND provider_id = $2)`,
		provider, providerID)
	return scanAccount(row)
}

// GetAccountByID fetches an account by primary key, active or not.
// Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetAccountByID(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetAccountByEmail fetches an account by email for login verification.
// Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// GetAccountByAPIKey fetches the active account holding apiKey.
// Returns pgx.ErrNoRows if no active account matches.
func (s *PostgresStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key = $1 AND active`, apiKey)
	return scanAccount(row)
}

// RotateAPIKey replaces the account's API key and returns the previous one (nil if none).
// Returns pgx.ErrNoRows if the account doesn't exist.
func (s *PostgresStore) RotateAPIKey(ctx context.Context, id int64, newKey string) (*string, error) {
	var oldKey *string
	err := s.db.QueryRow(ctx,
		`UPDATE accounts a SET api_key = $2, updated_at = now()
		 FROM (SELECT id, api_key FROM accounts WHERE id = $1 FOR UPDATE) old
		 WHERE a.id = old.id
		 RETURNING old.api_key`,
		id, newKey).Scan(&oldKey)
	if err != nil {
		return nil, err
	}
	return oldKey, nil
}

// UpdateHourlyQuota sets the account's hourly quota.
// Returns pgx.ErrNoRows if the account doesn't exist.
func (s *PostgresStore) UpdateHourlyQuota(ctx context.Context, id int64, quota int) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET hourly_quota = $2, updated_at = now() WHERE id = $1",
		id, quota)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeactivateAccount marks the account inactive; every auth path rejects it afterwards.
// Returns pgx.ErrNoRows if the account doesn't exist.
func (s *PostgresStore) DeactivateAccount(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET active = false, updated_at = now() WHERE id = $1",
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// InsertAuditEntry appends one row to audit_logs.
// Called from the audit worker, never from a request goroutine.
func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_logs (id, account_id, action, endpoint, method, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AccountID, e.Action, e.Endpoint, e.Method, e.IPAddress, e.UserAgent, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the account's most recent audit rows, newest first.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, accountID int64, limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, action, endpoint, method, ip_address, user_agent, created_at
		 FROM audit_logs WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.Endpoint, &e.Method, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
