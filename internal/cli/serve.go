package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trainctl/internal/api"
)

func NewServeCmd(env *Env) *cobra.Command {
	var addr string
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, optionally with an in-process worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.HTTP.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e := api.New(a.Coordinator, a.States, a.Queue, a.Logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Logger.Info().Str("addr", addr).Msg("http api listening")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return e.Shutdown(shutdown)
			})
			g.Go(func() error {
				if workers > 0 {
					return runWorkers(gctx, a, workers)
				}
				return a.Coordinator.Run(gctx, a.Events)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from TRAINCTL_HTTP_ADDR)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of in-process workers")
	return cmd
}
