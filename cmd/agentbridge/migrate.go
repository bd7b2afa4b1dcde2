package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/okrlinkhub/agent-bridge/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback all migrations",
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != "postgres" {
		return nil, errors.New("migrations require the postgres driver")
	}
	return migrate.New(cfg.MigrationsSource(), cfg.DatabaseURLForMigrate())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("migrations applied successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("migrations rolled back successfully")
	return nil
}
