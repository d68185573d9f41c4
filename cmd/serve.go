package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), rt.cfg, app.Options{Logger: rt.logger})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout+5*time.Second)
				defer cancel()
				if cerr := a.Close(ctx); cerr != nil {
					rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
				}
			}()
			return a.Serve(cmd.Context())
		},
	}
}
