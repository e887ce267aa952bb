package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/argos-ci/argos-sub005/internal/api"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if port == 0 {
				port = a.cfg.HTTP.Port
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return api.Start(ctx, api.StartOpts{
				Deps: api.Deps{
					DB:        a.db,
					Queue:     a.queue,
					Creator:   a.creator,
					Finalizer: a.finalizer,
					Partial:   a.partial,
					Concluder: a.concluder,
				},
				Port: port,
				Out:  cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}
