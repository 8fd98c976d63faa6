package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/threads-autopost/internal/observability"
	"github.com/jonathan/threads-autopost/internal/types"
)

var (
	collectSource   string
	collectKeywords []string
	collectLimit    int
	collectURL      string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect candidate posts into the watch folder",
	Long: `Run one collection pass and write one CSV per source into the watch folder,
where the next ingestion picks them up. Without --source the configured targets
are used.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringVar(&collectSource, "source", "", "Collect a single source (threads, twitter, instagram, ...)")
	collectCmd.Flags().StringSliceVarP(&collectKeywords, "keyword", "k", nil, "Keyword to match (repeatable)")
	collectCmd.Flags().IntVar(&collectLimit, "limit", 20, "Maximum records for --source")
	collectCmd.Flags().StringVar(&collectURL, "url", "", "Page to scrape for --source instead of simulating")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var targets []types.CollectionTarget
	if collectSource != "" {
		targets = []types.CollectionTarget{{
			Source:   collectSource,
			Keywords: collectKeywords,
			Limit:    collectLimit,
			URL:      collectURL,
		}}
	}

	result, err := a.trigger.Collect(ctx, targets)
	if err != nil {
		return err
	}
	observability.NewPrinter(cmd.OutOrStdout(), cfg.Location()).PrintCollectResult(result)
	return nil
}
