package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/observability"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.csv ...]",
	Short: "Ingest CSV files into the post queue",
	Long: `Normalize, generate and queue posts from CSV files. Without arguments every
CSV waiting in the watch folder is ingested in name order. Files are archived
into processed/ (or failed/ when unusable) beneath the watch folder.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.pipeline.EnsureDirs(); err != nil {
		return err
	}

	files := args
	if len(files) == 0 {
		if files, err = a.pipeline.Pending(); err != nil {
			return err
		}
	}

	printer := observability.NewPrinter(cmd.OutOrStdout(), cfg.Location())
	if len(files) == 0 {
		printer.PrintIngestResults(nil)
		return nil
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var results []ingestion.Result
	var errs []error
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		bar.Describe(filepath.Base(path))
		res, err := a.pipeline.Ingest(ctx, path)
		_ = bar.Add(1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	_ = bar.Finish()

	printer.PrintIngestResults(results)
	if len(errs) > 0 {
		return fmt.Errorf("ingestion finished with errors: %w", errors.Join(errs...))
	}
	return nil
}
