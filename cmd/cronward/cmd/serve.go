package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cronward/internal/app"
)

func newServeCmd(opts *options) *cobra.Command {
	var stopTimeout time.Duration
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon with health monitoring and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgm, err := app.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			core, err := app.Open(ctx, cfgm)
			if err != nil {
				return err
			}
			a := app.New(core)
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				_ = a.Stop(stopCtx, app.StopStartFailed)
				cancel()
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
				reason = app.StopAppStop
			}
			fatal := a.Err()

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError && fatal != nil {
				return fatal
			}
			return nil
		},
	}
	c.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return c
}
