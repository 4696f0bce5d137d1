package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"phiguard/internal/platform/httpserver"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz and /metrics and run scheduled retention sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, shutdown, err := bootstrap(ctx, *cfgFile, os.Stdout)
			if err != nil {
				return err
			}
			cfg := a.Config
			srv := httpserver.New(cfg.Server.Addr, a.Handler())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Logger.InfoContext(gctx, "starting ops server", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if !noScheduler && cfg.Retention.Interval > 0 {
				sched, err := a.Scheduler()
				if err != nil {
					stop()
					return errors.Join(err, shutdown(context.Background()))
				}
				g.Go(func() error {
					a.Logger.InfoContext(gctx, "retention scheduler started",
						"interval", cfg.Retention.Interval,
						"dry_run", cfg.Retention.DryRun,
						"resource_types", a.SweepTypes(),
					)
					if err := sched.Start(gctx); !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				a.Logger.InfoContext(shutdownCtx, "shutting down")
				return errors.Join(srv.Shutdown(shutdownCtx), shutdown(shutdownCtx))
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve ops endpoints without periodic sweeps")
	return cmd
}
