package cli

import "github.com/spf13/cobra"

// NewWorkerRootCmd groups the commands that run and stop the worker pool.
func NewWorkerRootCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run or stop the training worker pool",
	}
	cmd.AddCommand(NewWorkerStartCmd(env), NewWorkerStopCmd(env))
	return cmd
}
