package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trainctl/internal/model"
)

func NewListCmd(env *Env) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter model.JobState
			if state != "" {
				s, err := model.ParseJobState(state)
				if err != nil {
					return err
				}
				filter = s
			}

			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.Queue.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "%s | %-9s | %-9s | %s/%s | attempts=%d/%d | prio=%d\n",
					j.ID, j.State, j.Type, j.ExecutionID, j.Stage, j.Attempts, j.MaxAttempts, j.Priority)
				if j.LastError != "" {
					fmt.Fprintf(out, "    last error: %s\n", j.LastError)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by job state (waiting,active,completed,failed,delayed,paused)")
	return cmd
}
