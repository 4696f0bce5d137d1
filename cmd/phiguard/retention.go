package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"phiguard/internal/app"
	"phiguard/internal/retention"
	"phiguard/pkg/domain"
	pstrings "phiguard/pkg/platform/strings"
	"phiguard/pkg/requestcontext"
)

func newRetentionCommand(cfgFile *string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Run and inspect retention sweeps and legal holds",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "cli", "acting user recorded in the audit log")

	// run assembles the app, executes fn as userID and closes everything.
	run := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
		ctx := requestcontext.WithActor(cmd.Context(), userID, domain.RoleAdmin, "")
		a, shutdown, err := bootstrap(ctx, *cfgFile, os.Stderr)
		if err != nil {
			return err
		}
		out, runErr := fn(ctx, a)
		if err := shutdown(context.WithoutCancel(ctx)); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return runErr
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}

	cmd.AddCommand(
		newSweepCommand(&userID, run),
		newReportCommand(&userID, run),
		newPoliciesCommand(run),
		newHoldCommand(run),
	)
	return cmd
}

type runFunc func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error

func newSweepCommand(userID *string, run runFunc) *cobra.Command {
	var (
		dryRun    bool
		approveBy string
		types     []string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention check now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				selected := a.SweepTypes()
				if len(types) > 0 {
					selected = selected[:0]
					for _, t := range types {
						selected = append(selected, domain.ResourceType(t))
					}
					selected = pstrings.NormalizeLower(selected)
				}
				opts := []retention.RunOption{retention.WithResourceTypes(selected...)}
				if approveBy != "" {
					opts = append(opts, retention.WithApproval(approveBy))
				}
				return a.Retention.RunRetentionCheck(ctx, *userID, dryRun, opts...)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count eligible records without archiving or deleting")
	cmd.Flags().StringVar(&approveBy, "approve", "", "approver id for policies that require approval")
	cmd.Flags().StringSliceVar(&types, "type", nil, "resource types to sweep (default: every type with a store)")
	return cmd
}

func newReportCommand(userID *string, run runFunc) *cobra.Command {
	var horizon time.Duration
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize policies, holds, recent jobs and upcoming deletions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Retention.GenerateReport(ctx, *userID, horizon)
			})
		},
	}
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "projection window for upcoming deletions (default 720h)")
	return cmd
}

func newPoliciesCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List effective retention policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(_ context.Context, a *app.App) (any, error) {
				return a.Retention.Policies(), nil
			})
		},
	}
}

func newHoldCommand(run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Manage legal holds",
	}

	var reason string
	place := &cobra.Command{
		Use:   "place <resource-id>",
		Short: "Block archive and delete of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Retention.PlaceHold(ctx, args[0], reason)
			})
		},
	}
	place.Flags().StringVar(&reason, "reason", "", "why the resource is held")
	_ = place.MarkFlagRequired("reason")

	release := &cobra.Command{
		Use:   "release <resource-id>",
		Short: "Lift a legal hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				released, err := a.Retention.ReleaseHold(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !released {
					return nil, fmt.Errorf("%s is not on hold", args[0])
				}
				return map[string]any{"resourceId": args[0], "released": true}, nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Retention.Holds(ctx)
			})
		},
	}

	cmd.AddCommand(place, release, list)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
