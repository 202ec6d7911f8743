package cmd

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/config"
	"github.com/templui/downloadgroups/internal/db"
)

func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema commands",
	}

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func withDB(fn func(database *sqlx.DB, cfg *config.Config) error) error {
	cfg := load()
	database, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close(database)
	return fn(database, cfg)
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(database *sqlx.DB, cfg *config.Config) error {
				return db.RunMigrations(database.DB, cfg.DBDriver)
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(database *sqlx.DB, cfg *config.Config) error {
				return db.MigrateDown(database.DB, cfg.DBDriver)
			})
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(database *sqlx.DB, cfg *config.Config) error {
				version, err := db.MigrationVersion(database.DB, cfg.DBDriver)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			})
		},
	}
}
