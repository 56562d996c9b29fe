package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"trainctl/internal/model"
)

func NewExecutionRootCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect and control workflow executions",
	}
	cmd.AddCommand(
		NewExecutionStatusCmd(env),
		NewExecutionListCmd(env),
		NewExecutionCancelCmd(env),
		NewExecutionCheckpointCmd(env),
		NewExecutionResumeCmd(env),
		NewExecutionReconcileCmd(env),
	)
	return cmd
}

func printExecution(out io.Writer, e *model.Execution) {
	p := e.Progress()
	fmt.Fprintf(out, "Execution %s (workflow %s)\n", e.ID, e.WorkflowID)
	fmt.Fprintf(out, "  status     %s\n", e.Status)
	fmt.Fprintf(out, "  started    %s\n", e.StartedAt.Format(time.RFC3339))
	if e.CompletedAt != nil {
		fmt.Fprintf(out, "  completed  %s\n", e.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  progress   %d/%d completed, %d failed, %d running\n", p.Completed, e.Planned, p.Failed, p.Running)
	if e.CheckpointID != "" {
		fmt.Fprintf(out, "  checkpoint %s\n", e.CheckpointID)
	}
	for _, set := range []struct {
		name string
		ids  []string
	}{{"current", e.CurrentJobs}, {"completed", e.CompletedJobs}, {"failed", e.FailedJobs}} {
		for _, id := range set.ids {
			fmt.Fprintf(out, "    %-9s %s %s\n", set.name, e.Jobs[id].Stage, id)
		}
	}
}

func NewExecutionStatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the state and progress of an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			e, err := a.States.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("execution %s not found", args[0])
			}
			printExecution(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func NewExecutionListCmd(env *Env) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			execs, err := a.States.List(cmd.Context(), model.ExecutionStatus(status))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(execs) == 0 {
				fmt.Fprintln(out, "No executions found.")
				return nil
			}
			for _, e := range execs {
				p := e.Progress()
				fmt.Fprintf(out, "%s | %-9s | %s | %d/%d completed, %d failed\n",
					e.ID, e.Status, e.WorkflowID, p.Completed, e.Planned, p.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending,running,completed,failed,cancelled)")
	return cmd
}

func NewExecutionCancelCmd(env *Env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Cancel an execution; queued jobs are held, active jobs drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			e, err := a.Coordinator.Cancel(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), e)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "fail active jobs instead of letting them drain")
	return cmd
}

func NewExecutionCheckpointCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <execution-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Record the completed stages of an execution as a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			cp, err := a.Coordinator.Checkpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s (seq %d) created\n", cp.ID, cp.Seq)
			return nil
		},
	}
}

func NewExecutionResumeCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Restart an execution from its latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			e, err := a.Coordinator.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func NewExecutionReconcileCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <execution-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Apply job outcomes the execution has not recorded yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Coordinator.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d job outcomes\n", n)
			return nil
		},
	}
}
