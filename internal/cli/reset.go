package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewResetCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all jobs, executions and checkpoints (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Queue.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear jobs: %w", err)
			}
			if err := a.Store.ResetExecutions(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear executions: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Queue and executions cleared.")
			return nil
		},
	}
}
