package main

import (
	"context"
	"fmt"

	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply pending schema migrations to the PostgreSQL backend. Redis needs no migrations.`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Storage.Type != "postgres" {
		return fmt.Errorf("migrations apply to postgres storage only (storage.type is %q)", cfg.Storage.Type)
	}

	logger := setupLogger(cfg.Logging)

	// Open without migrating so the explicit run below reports its own errors
	pgCfg := cfg.Storage.Postgres
	pgCfg.AutoMigrate = false

	ctx := context.Background()
	store, err := postgres.Open(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Migrations applied")
	return nil
}
