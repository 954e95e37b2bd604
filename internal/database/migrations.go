package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version   string
	Name      string
	UpSQL     string
	DownSQL   string
	Applied   bool
	AppliedAt *time.Time
}

// LoadMigrations reads every <version>_<name>.sql file of fsys, sorted by version
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		migration, err := parseMigration(path.Base(file), string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", file, err)
		}
		migrations = append(migrations, migration)
	}

	// Sort by version
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// EmbeddedMigrations returns the migrations compiled into the binary
func EmbeddedMigrations() ([]Migration, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	return LoadMigrations(sub)
}

func parseMigration(filename, content string) (Migration, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Migration{}, fmt.Errorf("invalid migration filename format: %s", filename)
	}

	version := parts[0]
	name := strings.TrimSuffix(parts[1], ".sql")

	// Parse UP and DOWN sections
	var upSQL, downSQL strings.Builder
	var currentSection string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "-- +migrate Up") {
			currentSection = "up"
			continue
		} else if strings.HasPrefix(trimmed, "-- +migrate Down") {
			currentSection = "down"
			continue
		}

		// Skip comments and empty lines
		if strings.HasPrefix(trimmed, "--") || trimmed == "" {
			continue
		}

		switch currentSection {
		case "up":
			upSQL.WriteString(line + "\n")
		case "down":
			downSQL.WriteString(line + "\n")
		}
	}

	if upSQL.Len() == 0 {
		return Migration{}, fmt.Errorf("migration %s has no up section", filename)
	}

	return Migration{
		Version: version,
		Name:    name,
		UpSQL:   strings.TrimSpace(upSQL.String()),
		DownSQL: strings.TrimSpace(downSQL.String()),
	}, nil
}

// Migrator applies migrations and records them in the migrations table
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	return &Migrator{db: db, migrations: migrations}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// Status returns every migration marked with its applied state
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[version] = appliedAt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return markApplied(m.migrations, applied), nil
}

func markApplied(migrations []Migration, applied map[string]time.Time) []Migration {
	out := make([]Migration, len(migrations))
	for i, mig := range migrations {
		if at, ok := applied[mig.Version]; ok {
			mig.Applied = true
			mig.AppliedAt = &at
		}
		out[i] = mig
	}
	return out
}

// Pending filters the migrations not applied yet
func Pending(migrations []Migration) []Migration {
	var pending []Migration
	for _, mig := range migrations {
		if !mig.Applied {
			pending = append(pending, mig)
		}
	}
	return pending
}

// Up applies every pending migration, each in its own transaction
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, mig := range Pending(status) {
		err := execTx(ctx, m.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", mig.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Name, time.Now(),
			); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", mig.Version, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done = append(done, mig)
	}
	return done, nil
}

// Down rolls back the last applied migration. It returns nil when nothing is applied.
func (m *Migrator) Down(ctx context.Context) (*Migration, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var last *Migration
	for i := len(status) - 1; i >= 0; i-- {
		if status[i].Applied {
			last = &status[i]
			break
		}
	}
	if last == nil {
		return nil, nil
	}
	if last.DownSQL == "" {
		return nil, fmt.Errorf("migration %s has no down section", last.Version)
	}

	err = execTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, last.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", last.Version, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", last.Version); err != nil {
			return fmt.Errorf("failed to remove migration record %s: %w", last.Version, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}
