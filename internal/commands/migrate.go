package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/database"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/spf13/cobra"
)

var (
	migrationPath string
	dryRun        bool
	rollback      bool
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Sync history schema management",
	Long: `Manage the MySQL schema of the sync history log.

Migrations are embedded in the binary. Use --path to run a directory of
<version>_<name>.sql files instead.

Examples:
  sync-tracker migrate up                      # Run all pending migrations
  sync-tracker migrate down --rollback         # Rollback last migration
  sync-tracker migrate status                  # Show migration status
  sync-tracker migrate create add_entity_index # Create new migration file`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrationsUp(cmd.Context())
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrationDown(cmd.Context())
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showMigrationStatus(cmd.Context())
	},
}

var migrateCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new migration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return createMigration(args[0])
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateCreateCmd)

	migrateCmd.PersistentFlags().StringVarP(&migrationPath, "path", "p", "", "Directory of migration files (default: embedded)")
	migrateCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would be executed without running")

	migrateDownCmd.Flags().BoolVar(&rollback, "rollback", false, "Confirm rollback operation")
}

func loadMigrationSet() ([]database.Migration, error) {
	if migrationPath == "" {
		return database.EmbeddedMigrations()
	}
	return database.LoadMigrations(os.DirFS(migrationPath))
}

func openMigrator() (*database.Migrator, func(), error) {
	if _, err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	migrations, err := loadMigrationSet()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := database.Open(&cfg.MySQL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database.NewMigrator(db, migrations), func() { db.Close() }, nil
}

func runMigrationsUp(ctx context.Context) error {
	migrator, closeDB, err := openMigrator()
	if err != nil {
		return err
	}
	defer closeDB()

	if dryRun {
		status, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		pending := database.Pending(status)
		if len(pending) == 0 {
			fmt.Println("No pending migrations")
			return nil
		}
		for _, m := range pending {
			fmt.Printf("[DRY RUN] %s - %s:\n%s\n\n", m.Version, m.Name, m.UpSQL)
		}
		return nil
	}

	applied, err := migrator.Up(ctx)
	for _, m := range applied {
		fmt.Printf("Applied %s - %s\n", m.Version, m.Name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("No pending migrations")
	}
	return nil
}

func runMigrationDown(ctx context.Context) error {
	if !rollback && !dryRun {
		return fmt.Errorf("rollback requires --rollback flag for confirmation")
	}

	migrator, closeDB, err := openMigrator()
	if err != nil {
		return err
	}
	defer closeDB()

	if dryRun {
		status, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for i := len(status) - 1; i >= 0; i-- {
			if status[i].Applied {
				fmt.Printf("[DRY RUN] %s - %s:\n%s\n", status[i].Version, status[i].Name, status[i].DownSQL)
				return nil
			}
		}
		fmt.Println("No migrations to rollback")
		return nil
	}

	last, err := migrator.Down(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Println("No migrations to rollback")
		return nil
	}
	fmt.Printf("Rolled back %s - %s\n", last.Version, last.Name)
	return nil
}

func showMigrationStatus(ctx context.Context) error {
	migrator, closeDB, err := openMigrator()
	if err != nil {
		return err
	}
	defer closeDB()

	status, err := migrator.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-20s %-30s %-10s %s\n", "Version", "Name", "Status", "Applied At")
	fmt.Println(strings.Repeat("-", 80))
	for _, m := range status {
		state, appliedAt := "pending", "-"
		if m.Applied {
			state = "applied"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Printf("%-20s %-30s %-10s %s\n", m.Version, m.Name, state, appliedAt)
	}
	return nil
}

func createMigration(name string) error {
	dir := migrationPath
	if dir == "" {
		dir = filepath.Join("internal", "database", "migrations")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	now := time.Now().UTC()
	cleanName := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", now.Format("20060102150405"), cleanName))

	template := fmt.Sprintf(`-- Migration: %s
-- Created: %s

-- +migrate Up


-- +migrate Down

`, name, now.Format("2006-01-02 15:04:05"))

	if err := os.WriteFile(path, []byte(template), 0644); err != nil {
		return fmt.Errorf("failed to create migration file: %w", err)
	}
	fmt.Printf("Created migration file: %s\n", path)
	return nil
}
