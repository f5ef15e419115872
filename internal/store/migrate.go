package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is an embedded schema migration.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// Migrator applies embedded migrations in lexical order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by the given db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var done []string
	for _, migration := range m.migrations {
		if applied[migration.ID] {
			continue
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return done, err
		}
		if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
			tx.Rollback()
			return done, fmt.Errorf("apply %s: %w", migration.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID); err != nil {
			tx.Rollback()
			return done, fmt.Errorf("record %s: %w", migration.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("commit %s: %w", migration.ID, err)
		}
		done = append(done, migration.ID)
	}
	return done, nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, entry := range entries {
		name := entry.Name()
		var id, kind string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			id, kind = strings.TrimSuffix(name, ".up.sql"), "up"
		case strings.HasSuffix(name, ".down.sql"):
			id, kind = strings.TrimSuffix(name, ".down.sql"), "down"
		default:
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		migration := byID[id]
		if migration == nil {
			migration = &Migration{ID: id}
			byID[id] = migration
		}
		if kind == "up" {
			migration.UpSQL = string(content)
		} else {
			migration.DownSQL = string(content)
		}
	}

	var migrations []Migration
	for _, migration := range byID {
		if migration.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has no up script", migration.ID)
		}
		migrations = append(migrations, *migration)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}
