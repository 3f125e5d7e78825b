package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mapharvest/internal/clock/system"
	"github.com/JakeFAU/mapharvest/internal/config"
	"github.com/JakeFAU/mapharvest/internal/results"
	"github.com/JakeFAU/mapharvest/internal/state"
)

// newStatusCmd creates the 'status' subcommand, which reports progress from
// the state and result files without modifying them.
func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crawl progress per location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printStatus(out io.Writer, cfg config.Config, asJSON bool) error {
	st, err := state.NewStore(cfg.State.Path, system.New(), nil).Peek()
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	sum := state.Summarize(st, cfg.Crawl.Targets(), cfg.Crawl.Categories)

	sink := results.NewSink(results.Config{
		Dir:      cfg.Results.Dir,
		BaseName: cfg.Results.BaseName,
		Sheet:    cfg.Results.Sheet,
	}, nil)
	stored, loadErr := sink.LoadExisting()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		payload := struct {
			state.Summary
			StoredRecords int `json:"storedRecords"`
		}{Summary: sum, StoredRecords: stored}
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}

	fmt.Fprintf(out, "state file:    %s\n", cfg.State.Path)
	if !sum.StartedAt.IsZero() {
		fmt.Fprintf(out, "started:       %s\n", sum.StartedAt.Format(time.RFC3339))
	}
	if sum.LastCheckpoint != nil {
		fmt.Fprintf(out, "checkpoint:    %s\n", sum.LastCheckpoint.Format(time.RFC3339))
	}
	csvPath, _ := sink.Paths()
	if loadErr != nil {
		fmt.Fprintf(out, "records:       unreadable (%v)\n", loadErr)
	} else {
		fmt.Fprintf(out, "records:       %d in %s\n", stored, csvPath)
	}
	fmt.Fprintf(out, "locations:     %d of %d complete\n\n", sum.LocationsComplete, len(sum.Locations))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATION\tGRID\tDONE\tPENDING")
	for _, loc := range sum.Locations {
		name := loc.Name
		if name == "" {
			name = loc.Key
		}
		if !loc.Configured {
			name += " (not configured)"
		}
		grid := "-"
		if loc.GridSize > 0 {
			grid = fmt.Sprint(loc.GridSize)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, grid, listOrDash(loc.Completed), listOrDash(loc.Pending))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
