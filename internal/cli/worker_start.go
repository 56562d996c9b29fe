package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trainctl/internal/app"
	"trainctl/internal/model"
)

func NewWorkerStartCmd(env *Env) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("count") {
				count = a.Config.Worker.Count
			}
			if count < 1 {
				return fmt.Errorf("invalid worker count: %d", count)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reconcileRunning(ctx, a)
			fmt.Fprintf(cmd.OutOrStdout(), "Started %d workers (PID: %d). Use `trainctl worker stop` to stop.\n", count, os.Getpid())
			return runWorkers(ctx, a, count)
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of workers to start")
	return cmd
}

// runWorkers runs the pool next to the coordinator that consumes the job
// outcomes it produces. Outcomes still buffered at shutdown are applied
// before returning.
func runWorkers(ctx context.Context, a *app.App, count int) error {
	coordCtx, stopCoord := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCoord()

	var g errgroup.Group
	g.Go(func() error { return a.Coordinator.Run(coordCtx, a.Events) })
	err := a.Pool(count).Run(ctx)
	stopCoord()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if n := a.Coordinator.Drain(context.WithoutCancel(ctx), a.Events); n > 0 {
		a.Logger.Info().Int("events", n).Msg("applied buffered job events")
	}
	return err
}

func reconcileRunning(ctx context.Context, a *app.App) {
	running, err := a.States.List(ctx, model.ExecutionRunning)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("list running executions")
		return
	}
	for _, e := range running {
		if _, err := a.Coordinator.Reconcile(ctx, e.ID); err != nil {
			a.Logger.Warn().Err(err).Str("execution", e.ID).Msg("reconcile execution")
		}
	}
}
