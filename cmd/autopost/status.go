package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/observability"
	"github.com/jonathan/threads-autopost/internal/types"
)

var (
	statusLogs   int
	statusPosts  bool
	statusFilter string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status and recent activity",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLogs, "logs", 10, "Number of recent log entries to show (0 hides them)")
	statusCmd.Flags().BoolVar(&statusPosts, "posts", false, "Also list posts")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "With --posts, only show this status (pending, scheduled, failed)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	printer := observability.NewPrinter(cmd.OutOrStdout(), cfg.Location())

	status, err := a.controller.Status(ctx)
	if err != nil {
		return err
	}
	printer.PrintStatus(status)

	if statusPosts {
		posts, err := a.store.ListPosts(ctx, db.PostFilter{Status: types.PostStatus(statusFilter)})
		if err != nil {
			return err
		}
		printer.PrintPosts(posts)
	}

	if statusLogs > 0 {
		entries, err := a.store.ListLogs(ctx, db.LogFilter{Limit: statusLogs})
		if err != nil {
			return err
		}
		printer.PrintLogs(entries)
	}
	return nil
}
