// Package app wires one process worth of components. It is built once per
// command invocation and passed explicitly; nothing here is global.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"trainctl/internal/backoff"
	"trainctl/internal/checkpoint"
	"trainctl/internal/config"
	"trainctl/internal/coordinator"
	"trainctl/internal/engine"
	"trainctl/internal/logger"
	"trainctl/internal/queue"
	"trainctl/internal/redisstore"
	"trainctl/internal/state"
	"trainctl/internal/store"
)

type App struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Store       *store.Store
	Queue       *queue.Queue
	States      *state.Store
	Checkpoints *checkpoint.Manager
	Coordinator *coordinator.Coordinator
	Control     engine.Control
	// Events carries job outcomes from the queue to the coordinator.
	Events chan queue.Event

	closers []io.Closer
}

// New opens the stores and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, Control: engine.Control{Dir: cfg.DataDir}}
	a.closers = append(a.closers, logCloser)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.Store, err = store.NewStore(cfg.DBPath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Store)

	if err := a.Store.SeedConfig(ctx, cfg.Policy.Seeds()); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed config: %w", err)
	}
	qcfg, policy, err := a.policy(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	qcfg.OpTimeout = cfg.OpTimeout

	var backend queue.Backend = a.Store
	if cfg.Backend == "redis" {
		rs, err := redisstore.Open(ctx, cfg.RedisURL, redisstore.WithLogger(log.With().Str("component", "redisstore").Logger()))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rs)
		backend = rs
	}

	a.Events = make(chan queue.Event, 256)
	a.Queue = queue.New(backend, qcfg, queue.WithEvents(a.Events), queue.WithLogger(log))
	a.States = state.New(a.Store, state.WithLogger(log), state.WithTimeout(cfg.OpTimeout))
	a.Checkpoints = checkpoint.New(a.Store, log)
	a.Coordinator = coordinator.New(a.Queue, a.States, a.Checkpoints, policy, log)

	log.Debug().Str("backend", cfg.Backend).Str("db", cfg.DBPath()).Msg("app ready")
	return a, nil
}

// policy reads the queue and scheduling policy from the config table.
func (a *App) policy(ctx context.Context) (queue.Config, coordinator.Policy, error) {
	values, err := a.Store.AllConfig(ctx)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, fmt.Errorf("read config: %w", err)
	}
	num := func(key string) (int, error) {
		n, err := strconv.Atoi(values[key])
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return n, nil
	}

	maxAttempts, err := num(store.KeyMaxAttempts)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, err
	}
	base, err := num(store.KeyBackoffBase)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, err
	}
	capSeconds, err := num(store.KeyBackoffCapSeconds)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, err
	}
	every, err := num(store.KeyCheckpointEvery)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, err
	}
	required, err := strconv.ParseBool(values[store.KeyRequiredByDefault])
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, fmt.Errorf("config %s: %w", store.KeyRequiredByDefault, err)
	}
	strategy, err := backoff.New(values[store.KeyBackoffStrategy], base, time.Duration(capSeconds)*time.Second)
	if err != nil {
		return queue.Config{}, coordinator.Policy{}, err
	}

	return queue.Config{MaxAttempts: maxAttempts, Backoff: strategy},
		coordinator.Policy{RequiredByDefault: required, CheckpointEvery: every},
		nil
}

// Pool builds a worker pool over this app's queue.
func (a *App) Pool(size int) *engine.Pool {
	cfg := engine.PoolConfig{Size: size, Rate: a.Config.Worker.Rate, Poll: a.Config.Worker.Poll}
	return engine.NewPool(cfg, a.Queue, engine.ShellRunner{}, a.Control, a.Logger)
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
