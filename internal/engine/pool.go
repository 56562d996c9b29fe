package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type PoolConfig struct {
	Size int
	// Rate caps claims per second across the pool; zero means unlimited.
	Rate  float64
	Burst int
	Poll  time.Duration
}

// Pool runs Size workers until ctx is done or a stop is requested through
// the control directory.
type Pool struct {
	cfg     PoolConfig
	queue   Dispatcher
	runner  Runner
	control Control
	logger  zerolog.Logger
}

func NewPool(cfg PoolConfig, q Dispatcher, r Runner, control Control, logger zerolog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Size
	}
	return &Pool{cfg: cfg, queue: q, runner: r, control: control, logger: logger.With().Str("component", "engine").Logger()}
}

func (p *Pool) Run(ctx context.Context) error {
	limit := rate.Inf
	if p.cfg.Rate > 0 {
		limit = rate.Limit(p.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, p.cfg.Burst)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.control.ClearStop()
	if err := p.control.WritePID(os.Getpid()); err != nil {
		p.logger.Warn().Err(err).Msg("write pid file")
	}
	defer p.control.RemovePID()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.watchStop(gctx, cancel)
		return nil
	})

	host, _ := os.Hostname()
	for i := 0; i < p.cfg.Size; i++ {
		w := NewWorker(fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i+1), p.queue, p.runner, limiter, p.cfg.Poll, p.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	p.logger.Info().Int("workers", p.cfg.Size).Msg("worker pool started")
	err := g.Wait()
	p.control.ClearStop()
	return err
}

func (p *Pool) watchStop(ctx context.Context, cancel context.CancelFunc) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.control.ShouldStop() {
				p.logger.Info().Msg("stop requested, draining workers")
				cancel()
				return
			}
		}
	}
}
