package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/observability"
	"github.com/jonathan/threads-autopost/internal/types"
)

var schedulePostID string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduling tick",
	Long: `Dispatch due pending posts to Buffer once. Posting hours and the daily limit
still apply. With --post a single pending post is dispatched immediately,
bypassing both.`,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&schedulePostID, "post", "", "Dispatch this pending post now")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	printer := observability.NewPrinter(cmd.OutOrStdout(), cfg.Location())

	if schedulePostID != "" {
		post, err := a.loop.Dispatch(ctx, schedulePostID)
		if errors.Is(err, db.ErrNotPending) {
			return fmt.Errorf("post %s is %s, not pending", schedulePostID, post.Status)
		}
		if post != nil {
			printer.PrintPosts([]types.Post{*post})
		}
		return err
	}

	// This process is not the running automation, so only the running gate is skipped.
	result, err := a.loop.ForceTick(ctx)
	if err != nil {
		return err
	}
	printer.PrintTickResult(result)
	return nil
}
