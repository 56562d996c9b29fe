package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewQueueRootCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Pause or resume job dispatch",
	}
	cmd.AddCommand(NewQueuePauseCmd(env), NewQueueResumeCmd(env))
	return cmd
}

func NewQueuePauseCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching jobs to workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Queue.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue paused.")
			return nil
		},
	}
}

func NewQueueResumeCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Queue.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue resumed.")
			return nil
		},
	}
}
