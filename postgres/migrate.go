package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	migrationDir = "migrations"
	migrateUp    = "-- +migrate Up"
	migrateDown  = "-- +migrate Down"

	// arbitrary, shared by every process migrating the same database
	migrationLockID = 0x74696d656c696e65
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// applyMigrations runs every embedded migration not yet recorded. A
// transaction-scoped advisory lock keeps concurrent openers from racing
func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationFS, migrationDir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)",
			int64(migrationLockID),
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS timeline_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
		if err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}

		for _, name := range names {
			if err := applyMigration(ctx, tx, name); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
		return nil
	})
}

func applyMigration(ctx context.Context, tx pgx.Tx, name string) error {
	var found int
	err := tx.QueryRow(ctx,
		"SELECT 1 FROM timeline_migrations WHERE name = $1", name,
	).Scan(&found)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	content, err := migrationFS.ReadFile(migrationDir + "/" + name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, upSection(string(content))); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO timeline_migrations (name) VALUES ($1)", name,
	)
	return err
}

func upSection(content string) string {
	start := strings.Index(content, migrateUp)
	if start == -1 {
		return content
	}
	content = content[start+len(migrateUp):]
	if end := strings.Index(content, migrateDown); end != -1 {
		return content[:end]
	}
	return content
}
