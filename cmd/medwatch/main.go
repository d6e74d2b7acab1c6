package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"medwatch/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "medwatch",
		Short: "Medication expiry monitor",
		Long: `medwatch watches a list of medications and sends reminders 7, 3 and 0 days
before a course ends, one more once it has ended, and a morning digest of
everything currently taken.

Examples:
  medwatch --config medwatch.yaml              # run the daemon
  medwatch scan --date 2025-03-05 --dry-run    # what would fire that day
  medwatch digest                              # print today's digest
  medwatch test                                # send a test notification`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./medwatch.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the monitor daemon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd.Context(), cfgPath)
			},
		},
		newScanCmd(&cfgPath),
		newDigestCmd(&cfgPath),
		newTestCmd(&cfgPath),
	)
	return root
}

func runDaemon(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
