package main

import (
	"github.com/spf13/cobra"

	"github.com/gotrs-io/helpdesk/internal/repository/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := newUI(cmd.OutOrStdout(), cmd.ErrOrStderr())
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		store, err := sqlstore.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, sqlstore.WithLogger(logger))
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		out.Success("Schema for %s is up to date", cfg.Database.Driver)
		return nil
	},
}
