package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/mapharvest/internal/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

// newRootCmd creates the root command and registers the subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mapharvest",
		Short: "Resumable, segment-by-segment map listing crawler",
		Long: `mapharvest searches map listings for every configured category in every
configured location. Each location is split into grid segments and every
finished search task is persisted, so an interrupted crawl resumes where it
stopped.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newCrawlCmd(opts),
		newStatusCmd(opts),
		newRunsCmd(opts),
	)
	return cmd
}
