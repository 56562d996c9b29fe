// Package cli implements the trainctl command tree.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	env := &Env{}
	cmd := &cobra.Command{
		Use:           "trainctl",
		Short:         "Training workflow orchestration: job queue, execution state and checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return env.Close()
		},
	}
	cmd.PersistentFlags().StringVar(&env.ConfigPath, "config", "", "YAML config file")

	cmd.AddCommand(
		NewSubmitCmd(env),
		NewStatusCmd(env),
		NewListCmd(env),
		NewResetCmd(env),
		NewServeCmd(env),
		NewWorkerRootCmd(env),
		NewConfigRootCmd(env),
		NewQueueRootCmd(env),
		NewExecutionRootCmd(env),
	)
	return cmd
}
