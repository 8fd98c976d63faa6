package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/threads-autopost/internal/server"
)

var (
	servePort      int
	serveAutostart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the dashboard API: automation control,
post management, CSV upload, content generation and a live activity feed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT or 5000)")
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "Start automation as soon as the server is up")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.controller.StartDailyReset(); err != nil {
		return err
	}
	if serveAutostart {
		if err := a.controller.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start automation: %w", err)
		}
	}

	port := cfg.Port
	if servePort > 0 {
		port = servePort
	}

	srv := server.New(server.Config{Port: port, Logger: logger}, server.Deps{
		Store:      a.store,
		Automation: a.controller,
		Dispatcher: a.loop,
		Uploader:   a.pipeline,
		Generator:  a.generator,
		Collector:  a.trigger,
		Hub:        a.hub,
		Activity:   a.activity,
	})
	return srv.Run(ctx)
}
