package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/config"
	"github.com/JakeFAU/mapharvest/internal/crawl"
	"github.com/JakeFAU/mapharvest/internal/server"
)

type crawlFlags struct {
	locations  []string
	categories string
	gridSize   int
	headless   bool
}

// newCrawlCmd creates the 'crawl' subcommand, which starts or resumes a crawl.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Start or resume a crawl",
		Long: `Runs every pending (location, category) search task. Progress is read from
the state file, so rerunning after a pause or crash continues where the
previous run stopped. Press Ctrl+C once to pause cleanly, twice to abort.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			applyCrawlFlags(cmd, &cfg, flags)
			if err := cfg.ValidateCrawl(); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), &cfg)
		},
	}
	cmd.Flags().StringArrayVar(&flags.locations, "location", nil,
		`location to crawl, e.g. "Rosario, Santa Fe, Argentina" (repeatable; replaces crawl.locations)`)
	cmd.Flags().StringVar(&flags.categories, "categories", "", "comma-separated categories (replaces crawl.categories)")
	cmd.Flags().IntVar(&flags.gridSize, "grid-size", 0, "segments per side of each location's grid")
	cmd.Flags().BoolVar(&flags.headless, "headless", false, "run the browser without a window")
	return cmd
}

// applyCrawlFlags overlays explicitly set flags on cfg for this run only.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config, flags *crawlFlags) {
	cfg.ApplyLocations(flags.locations)
	if cats := config.ParseCategories(flags.categories); len(cats) > 0 {
		cfg.Crawl.Categories = cats
	}
	if cmd.Flags().Changed("grid-size") {
		cfg.Crawl.GridSize = flags.gridSize
	}
	if cmd.Flags().Changed("headless") {
		cfg.Extractor.Headless = flags.headless
	}
}

func runCrawl(ctx context.Context, out io.Writer, cfg *config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	report, err := app.Run(ctx)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}
	return nil
}

func printReport(out io.Writer, r crawl.Report) {
	if r.RunID == "" {
		return
	}
	fmt.Fprintf(out, "run %s %s in %s\n", r.RunID, r.Outcome, r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Fprintf(out, "  tasks completed:   %d\n", r.TasksCompleted)
	fmt.Fprintf(out, "  searches:          %d ok, %d failed\n", r.Extractions, r.ExtractionErrors)
	fmt.Fprintf(out, "  records:           %d found, %d new, %d total\n", r.RecordsFound, r.RecordsAppended, r.TotalRecords)
	if len(r.LocationsSkipped) > 0 {
		fmt.Fprintf(out, "  skipped locations: %v\n", r.LocationsSkipped)
	}
	if r.Outcome == crawl.OutcomePaused {
		fmt.Fprintln(out, "paused; run the same command again to resume")
	}
}
