package cli

import "github.com/spf13/cobra"

func NewConfigRootCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Queue and scheduling policy: set, get, list",
	}
	cmd.AddCommand(NewConfigGetCmd(env), NewConfigSetCmd(env), NewConfigListCmd(env))
	return cmd
}
