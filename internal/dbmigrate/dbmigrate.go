// Package dbmigrate applies embedded .sql migrations in name order, each in
// its own transaction, recording applied files in schema_migrations.
package dbmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Dialect carries the SQL that differs between drivers.
type Dialect struct {
	CreateTable string
	IsApplied   string
	Record      string
}

var Postgres = Dialect{
	CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	IsApplied: `SELECT COUNT(1) FROM schema_migrations WHERE version = $1`,
	Record:    `INSERT INTO schema_migrations(version) VALUES ($1)`,
}

var SQLite = Dialect{
	CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL DEFAULT (unixepoch())
)`,
	IsApplied: `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`,
	Record:    `INSERT INTO schema_migrations(version) VALUES (?)`,
}

func Apply(ctx context.Context, db *sql.DB, fsys fs.FS, dialect Dialect) error {
	if db == nil {
		return fmt.Errorf("sql db is required")
	}
	if _, err := db.ExecContext(ctx, dialect.CreateTable); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	files, err := migrationFiles(fsys)
	if err != nil {
		return err
	}

	for _, file := range files {
		var count int
		if err := db.QueryRowContext(ctx, dialect.IsApplied, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %q status: %w", file, err)
		}
		if count > 0 {
			continue
		}

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %q: %w", file, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %q: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %q: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, dialect.Record, file); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %q: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %q: %w", file, err)
		}
	}
	return nil
}

func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(path.Ext(entry.Name()), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
