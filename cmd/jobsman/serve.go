package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"jobsman/internal/app"
	logx "jobsman/pkg/logx"
)

var serveDrainTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler service (main command)",
	Long: `Start the scheduler service: load the job store, build the schedule,
and dispatch jobs until SIGINT/SIGTERM. While running, the service polls the
store's update markers and hot-reloads the schedule when jobs are edited
out-of-band (e.g. via "jobsman job add").`,
	RunE: serveHandler,
}

func init() {
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 30*time.Second,
		"how long shutdown waits for in-flight jobs before killing them")
}

func serveHandler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}

	// Best-effort: ignored outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	a.Logger().Info("shutdown requested")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serveDrainTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		a.Logger().Warn("shutdown finished with error", logx.Err(err))
	}
	return nil
}
