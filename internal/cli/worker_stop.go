package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewWorkerStopCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop running workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Control.RequestStop(); err != nil {
				return fmt.Errorf("failed to request stop: %w", err)
			}
			if pid, err := a.Control.ReadPID(); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for PID %d. Workers will exit after finishing the current job.\n", pid)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop requested. Workers will exit after finishing the current job.")
			return nil
		},
	}
}
