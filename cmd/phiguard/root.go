package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"phiguard/internal/app"
	"phiguard/internal/platform/config"
	"phiguard/internal/platform/logger"
)

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "phiguard",
		Short:         "PHI access control, audit and retention engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("PHIGUARD_CONFIG"), "path to a YAML config file")

	root.AddCommand(newServeCommand(&cfgFile))
	root.AddCommand(newRetentionCommand(&cfgFile))
	return root
}

// bootstrap loads config, installs the process logger and assembles the app.
// Closing the returned app also closes the log file.
func bootstrap(ctx context.Context, cfgFile string, logOut io.Writer) (*app.App, func(context.Context) error, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, logCloser := logger.New(cfg.Logging, logOut)
	slog.SetDefault(log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	shutdown := func(ctx context.Context) error {
		err := a.Close(ctx)
		_ = logCloser.Close()
		return err
	}
	return a, shutdown, nil
}
