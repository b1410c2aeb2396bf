package main

import (
	"fmt"

	"github.com/aescanero/dagflow/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		Long: `Create the workflow tables when STORAGE_BACKEND=postgres.

The schema statements are idempotent, so running migrate twice is safe.
Other backends need no schema and the command does nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.Backend != config.BackendPostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to migrate for storage backend %q\n", a.cfg.Storage.Backend)
				return nil
			}

			b, err := openBackends(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema migrated", zap.String("backend", a.cfg.Storage.Backend))
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}
