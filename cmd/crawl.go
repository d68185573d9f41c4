package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/app"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/job"
)

type crawlSummary struct {
	Job     job.Record `json:"job"`
	Metrics any        `json:"metrics,omitempty"`
}

// newCrawlCmd runs a single crawl in the foreground and prints the final
// record with its metrics as JSON.
func newCrawlCmd() *cobra.Command {
	var (
		maxPages  int
		pageDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "crawl <crawler-id>",
		Short: "Run one crawl job to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), rt.cfg, app.Options{Logger: rt.logger})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if cerr := a.Close(ctx); cerr != nil {
					rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
				}
			}()

			var overrides crawler.Overrides
			if cmd.Flags().Changed("max-pages") {
				overrides.MaxPages = &maxPages
			}
			if cmd.Flags().Changed("page-delay") {
				overrides.PageDelay = &pageDelay
			}

			rec, err := a.Service().StartCrawl(cmd.Context(), args[0], overrides, "cli")
			if err != nil {
				return err
			}
			rt.logger.Info("crawl started", zap.String("job_id", rec.JobID), zap.String("crawler_id", args[0]))

			if err := a.Runner().Wait(cmd.Context(), rec.JobID); err != nil {
				// Interrupted: record the cancellation before exiting.
				if _, _, cerr := a.Service().Cancel(context.WithoutCancel(cmd.Context()), rec.JobID); cerr != nil {
					rt.logger.Warn("cancel interrupted crawl", zap.String("job_id", rec.JobID), zap.Error(cerr))
				}
				return fmt.Errorf("crawl %s interrupted: %w", rec.JobID, err)
			}
			final, err := a.Service().GetJob(cmd.Context(), rec.JobID)
			if err != nil {
				return err
			}
			summary := crawlSummary{Job: final}
			if snap, err := a.Service().CrawlMetrics(rec.JobID); err == nil {
				summary.Metrics = snap
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if final.Status == job.StatusFailed {
				return fmt.Errorf("crawl %s failed: %s", final.JobID, final.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "override crawler.max_pages")
	cmd.Flags().DurationVar(&pageDelay, "page-delay", 0, "override crawler.page_delay")
	return cmd
}
