package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"trainctl/internal/model"
)

func NewSubmitCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <workflow.yaml|->",
		Short: "Submit a workflow and start an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read workflow: %w", err)
			}
			wf, err := model.ParseWorkflow(data)
			if err != nil {
				return err
			}

			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			e, err := a.Coordinator.Submit(cmd.Context(), *wf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s submitted (%d stages, %d enqueued)\n", e.ID, e.Planned, len(e.CurrentJobs))
			return nil
		},
	}
}
