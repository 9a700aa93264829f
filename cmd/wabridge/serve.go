package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wabridge/internal/app"
)

// forcedExitGrace bounds shutdown: if graceful stop has not finished by
// then, the process exits anyway rather than hang under systemd.
const forcedExitGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfgPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
				// Stop listening for signals so a second ^C kills the
				// process immediately.
				stop()
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				} else {
					reason = app.StopAppStop
				}
			}

			forced := time.AfterFunc(forcedExitGrace, func() {
				fmt.Fprintln(os.Stderr, "shutdown grace expired, exiting")
				os.Exit(2)
			})
			defer forced.Stop()

			stopCtx, cancel := context.WithTimeout(context.Background(), forcedExitGrace)
			defer cancel()
			_ = a.Stop(stopCtx, reason)

			if reason == app.StopFatalError {
				err := a.Err()
				a.FatalNotice(err)
				return err
			}
			return nil
		},
	}
}
