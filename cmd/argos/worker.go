package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/argos-ci/argos-sub005/internal/sweep"
	"github.com/argos-ci/argos-sub005/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process build jobs from the queue",
		Long:  "Consumes build, conclusion, review, notification and automation jobs. Runs the open-build sweep when sweep.schedule is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if s := a.cfg.Sweep.Schedule; s != "" {
		if err := sweep.Validate(s); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s := a.cfg.Sweep.Schedule; s != "" {
		go func() {
			if err := a.sweeper.Run(ctx, s); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "sweep: %v\n", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Worker running (concurrency %d)\n", a.cfg.Worker.Concurrency)
	return worker.New(a.handlers()).Run(ctx, worker.RedisOpt(a.cfg.Redis), a.cfg.Worker)
}
