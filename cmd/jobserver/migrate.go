package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobserver/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			appLogger, err := initLogger(&cfg.Logging, "migrate")
			if err != nil {
				return err
			}

			dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer dbClient.Close()

			version, err := dbClient.Migrate(migrations.FS)
			if err != nil {
				return err
			}

			appLogger.Info("Migrations applied", slog.Uint64("version", uint64(version)))
			fmt.Fprintf(cmd.OutOrStdout(), "Database schema at version %d\n", version)
			return nil
		},
	}
}
