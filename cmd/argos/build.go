package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/argos-ci/argos-sub005/internal/conclude"
	"github.com/argos-ci/argos-sub005/internal/models"
	"github.com/argos-ci/argos-sub005/internal/queue"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Drive a single build through its lifecycle",
	}

	cmd.AddCommand(newBuildBaseCmd())
	cmd.AddCommand(newBuildDiffsCmd())
	cmd.AddCommand(newBuildFinalizeCmd())
	cmd.AddCommand(newBuildConcludeCmd())
	return cmd
}

func newBuildBaseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "base <build-id>",
		Short: "Resolve the base screenshot bucket of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, configPath, args[0], func(ctx context.Context, a *app, build *models.Build) error {
				bucket, err := a.resolver.GetBaseScreenshotBucket(ctx, build)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if bucket == nil {
					fmt.Fprintf(out, "Build %s has no base bucket\n", build.ID)
					return nil
				}
				fmt.Fprintf(out, "Base bucket: %s (commit %s, branch %s)\n", bucket.ID, bucket.Commit, bucket.Branch)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	return cmd
}

func newBuildDiffsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "diffs <build-id>",
		Short: "Create the screenshot diffs of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, configPath, args[0], func(ctx context.Context, a *app, build *models.Build) error {
				diffs, err := a.diffs.CreateBuildDiffs(ctx, build)
				if err != nil {
					return err
				}
				pending := 0
				for _, d := range diffs {
					if d.JobStatus == models.JobPending {
						pending++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Build %s (%s): %d diffs, %d pending\n", build.ID, deref(build.Type), len(diffs), pending)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	return cmd
}

func newBuildFinalizeCmd() *cobra.Command {
	var (
		configPath string
		single     bool
	)

	cmd := &cobra.Command{
		Use:   "finalize <build-id>",
		Short: "Finalize a build and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, configPath, args[0], func(ctx context.Context, a *app, build *models.Build) error {
				if err := a.finalizer.FinalizeBuild(ctx, build, single); err != nil {
					return err
				}
				if err := a.queue.Push(ctx, queue.TypeBuild, build.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Build %s finalized\n", build.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	cmd.Flags().BoolVar(&single, "single", false, "the build was uploaded in a single batch")
	return cmd
}

func newBuildConcludeCmd() *cobra.Command {
	var (
		configPath string
		opts       conclude.Options
	)

	cmd := &cobra.Command{
		Use:   "conclude <build-id>",
		Short: "Conclude a build whose diffs are resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuild(cmd, configPath, args[0], func(ctx context.Context, a *app, build *models.Build) error {
				concluded, err := a.concluder.ConcludeBuild(ctx, build.ID, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if concluded == nil || concluded.Conclusion == nil {
					fmt.Fprintf(out, "Build %s is not ready to conclude\n", build.ID)
					return nil
				}
				fmt.Fprintf(out, "Build %s concluded: %s\n", build.ID, *concluded.Conclusion)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	cmd.Flags().BoolVar(&opts.Notify, "notify", true, "send the conclusion notification")
	cmd.Flags().BoolVar(&opts.AutoApprove, "auto-approve", false, "carry over approvals from the previous build")
	return cmd
}

// withBuild opens the app, loads the build and runs fn.
func withBuild(cmd *cobra.Command, configPath, buildID string, fn func(ctx context.Context, a *app, build *models.Build) error) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	var build models.Build
	if err := a.db.Where("id = ?", buildID).First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("build %s not found", buildID)
		}
		return fmt.Errorf("load build: %w", err)
	}
	return fn(cmd.Context(), a, &build)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
