package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockID keys the advisory lock that serializes migrations across gateway instances.
const migrationLockID int64 = 0x746f6c6c67617465 // "tollgate"

// Migrate applies every *.sql file in migrationsFS not yet listed in schema_migrations,
// in lexical order. Each file runs in its own transaction under an advisory lock, so
// replicas starting together apply each version exactly once and a failing file leaves
// no partial schema behind.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(files)

	var applied int
	for _, version := range files {
		ran, err := s.applyMigration(ctx, migrationsFS, version)
		if err != nil {
			return err
		}
		if ran {
			applied++
			slog.Info("migration applied", "version", version)
		}
	}

	slog.Info("schema up to date", "applied", applied, "known", len(files))
	return nil
}

// applyMigration runs one file unless another instance already recorded it.
// Reports whether it ran.
func (s *PostgresStore) applyMigration(ctx context.Context, migrationsFS fs.FS, version string) (bool, error) {
	body, err := fs.ReadFile(migrationsFS, version)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", version, err)
	}

	var ran bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("locking for %s: %w", version, err)
		}

		var done bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&done); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if done {
			return nil
		}

		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		ran = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ran, nil
}
