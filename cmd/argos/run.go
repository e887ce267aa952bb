package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "CI run commands",
	}

	cmd.AddCommand(newRunFinalizePartialCmd())
	return cmd
}

func newRunFinalizePartialCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "finalize-partial <run-id> <attempt>",
		Short: "Complete the partial builds of a retried CI run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempt, err := strconv.Atoi(args[1])
			if err != nil || attempt < 1 {
				return fmt.Errorf("invalid attempt %q", args[1])
			}

			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.partial.FinalizePartialBuilds(cmd.Context(), args[0], attempt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Partial builds of run %s attempt %d finalized\n", args[0], attempt)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "argos.yaml", "path to Argos config file")
	return cmd
}
