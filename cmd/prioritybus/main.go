package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"prioritybus/internal/app"
	"prioritybus/internal/config"
	logx "prioritybus/pkg/logx"
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
		Use:           "prioritybus",
		Short:         "Priority-aware command scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	var stopTimeout time.Duration
	run := &cobra.Command{
		Use:   "run",
		Short: "Read commands from stdin and schedule them",
		Long: `Reads one command per line from stdin:

  <class> <name> [work]   submit a command (class "plain" runs immediately)
  !flush [class...]       run everything queued
  !drain <class>          run one class
  !fire <event>           dispatch a named event
  !pending                print queued counts

On EOF, SIGINT or SIGTERM every queue is flushed before exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), cfgPath, stopTimeout)
		},
	}
	run.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for the final flush and shutdown")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewManager(cfgPath).Load(); err != nil {
				return fmt.Errorf("%s: %w", cfgPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

func runApp(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Until the config is loaded only the bootstrap console logger exists.
	boot := logx.NewConsole("info")
	a, err := app.New(cfgPath, logx.Stdout())
	if err != nil {
		boot.Error("config load failed", logx.String("path", cfgPath), logx.Err(err))
		return err
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		return err
	}
	// sd_notify is a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	scriptErr := a.RunScript(ctx, os.Stdin)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Join(scriptErr, stopErr)
}
