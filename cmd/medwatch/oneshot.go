package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"medwatch/internal/app"
	"medwatch/internal/notify"
	logx "medwatch/pkg/logx"
)

const oneShotTimeout = 2 * time.Minute

func openTool(cmd *cobra.Command, cfgPath string, opt app.ToolOptions) (*app.Tool, context.Context, context.CancelFunc, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := "warn"
	if verbose {
		level = "debug"
	}
	opt.Log = logx.NewConsole(level)

	ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
	t, err := app.OpenTool(ctx, cfgPath, opt)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return t, ctx, cancel, nil
}

func newScanCmd(cfgPath *string) *cobra.Command {
	var (
		date   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one expiry scan with a fresh ledger and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, ctx, cancel, err := openTool(cmd, *cfgPath, app.ToolOptions{Date: date, DryRun: dryRun})
			if err != nil {
				return err
			}
			defer cancel()
			defer t.Close()

			r := t.Monitor.ScanNow(ctx)
			out := cmd.OutOrStdout()
			if err := writeJSON(out, r); err != nil {
				return err
			}
			if dryRun {
				printNotifications(out, t.Recorded())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "scan as of YYYY-MM-DD instead of today")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print notifications instead of delivering them")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging on stderr")
	return cmd
}

func newDigestCmd(cfgPath *string) *cobra.Command {
	var (
		date string
		send bool
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the morning digest; deliver it only with --send",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, ctx, cancel, err := openTool(cmd, *cfgPath, app.ToolOptions{Date: date})
			if err != nil {
				return err
			}
			defer cancel()
			defer t.Close()

			out := cmd.OutOrStdout()
			if send {
				return writeJSON(out, t.Monitor.DigestNow(ctx))
			}
			n, ok, err := t.Monitor.PreviewDigest(ctx, t.Now)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "nothing to report: no medicines are currently taken or used")
				return nil
			}
			printNotifications(out, []notify.Notification{n})
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "build the digest for YYYY-MM-DD instead of today")
	cmd.Flags().BoolVar(&send, "send", false, "deliver the digest through the configured sink")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging on stderr")
	return cmd
}

func newTestCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send the test notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, ctx, cancel, err := openTool(cmd, *cfgPath, app.ToolOptions{})
			if err != nil {
				return err
			}
			defer cancel()
			defer t.Close()

			if err := t.Monitor.SendTest(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "test notification sent")
			return nil
		},
	}
	cmd.Flags().BoolP("verbose", "v", false, "debug logging on stderr")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printNotifications(w io.Writer, ns []notify.Notification) {
	for _, n := range ns {
		fmt.Fprintf(w, "[%s] %s\n%s\n\n", n.Tag, n.Title, n.Body)
	}
}
