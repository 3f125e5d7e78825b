package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mapharvest/internal/config"
	"github.com/JakeFAU/mapharvest/internal/id/uuid"
	pgstore "github.com/JakeFAU/mapharvest/internal/storage/postgres"
	"github.com/JakeFAU/mapharvest/internal/store"
)

type runsFlags struct {
	status string
	limit  int
}

// newRunsCmd creates the 'runs' subcommand. Without arguments it lists
// recent runs; with a run id it lists that run's per-task statistics.
func newRunsCmd(root *rootOptions) *cobra.Command {
	flags := &runsFlags{}
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show run history from the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			repo, closeRepo, err := openRunRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeRepo()
			if len(args) == 1 {
				return printRunTasks(cmd.Context(), cmd.OutOrStdout(), repo, args[0], flags.limit)
			}
			return printRuns(cmd.Context(), cmd.OutOrStdout(), repo, flags)
		},
	}
	cmd.Flags().StringVar(&flags.status, "status", "", "filter by status: running, completed, paused, failed")
	cmd.Flags().IntVar(&flags.limit, "limit", 20, "maximum rows to print")
	return cmd
}

func openRunRepository(ctx context.Context, cfg config.Config) (store.RunRepository, func(), error) {
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured; run history is only kept in Postgres")
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: 2,
	})
	if err != nil {
		return nil, nil, err
	}
	repo, err := pgstore.NewRunStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

func printRuns(ctx context.Context, out io.Writer, repo store.RunRepository, flags *runsFlags) error {
	var status *store.RunStatus
	if flags.status != "" {
		parsed, ok := store.ParseRunStatus(strings.ToLower(flags.status))
		if !ok {
			return fmt.Errorf("unknown status %q", flags.status)
		}
		status = &parsed
	}
	runs, err := repo.ListRuns(ctx, status, flags.limit, 0)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tNOTE")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		note := ""
		if r.Note != nil {
			note = *r.Note
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.StartedAt.Format(time.RFC3339), duration, note)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write runs: %w", err)
	}
	return nil
}

func printRunTasks(ctx context.Context, out io.Writer, repo store.RunRepository, rawID string, limit int) error {
	runID, err := uuid.ParseRunID(rawID)
	if err != nil {
		return err
	}
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	tasks, err := repo.ListRunTasks(ctx, runID, limit, 0)
	if err != nil {
		return fmt.Errorf("list run tasks: %w", err)
	}
	fmt.Fprintf(out, "run %s %s (started %s)\n\n", run.ID, run.Status, run.StartedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATION\tCATEGORY\tSEARCHES\tERRORS\tFOUND\tNEW\tDONE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
			t.Location, t.Category, t.Searches, t.Errors, t.Found, t.Appended, t.Completed)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return nil
}
