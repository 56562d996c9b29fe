package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trainctl/internal/model"
)

func NewStatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			healthy := a.Queue.Healthy(cmd.Context())
			paused, err := a.Queue.Paused(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Queue Status: healthy=%t paused=%t\n", healthy, paused)
			counts := map[model.JobState]int{
				model.StateWaiting: stats.Waiting, model.StateActive: stats.Active,
				model.StateCompleted: stats.Completed, model.StateFailed: stats.Failed,
				model.StateDelayed: stats.Delayed, model.StatePaused: stats.Paused,
			}
			for _, st := range model.JobStates {
				fmt.Fprintf(out, "  %-10s %d\n", st, counts[st])
			}
			fmt.Fprintf(out, "  %-10s %d\n", "total", stats.Total())

			if pid, err := a.Control.ReadPID(); err == nil {
				fmt.Fprintf(out, "Workers running (PID: %d)\n", pid)
			}
			return nil
		},
	}
}
