package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/article-ingest/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), rt.cfg, rt.logger); err != nil {
				return err
			}
			rt.logger.Info("schema is up to date")
			return nil
		},
	}
}
