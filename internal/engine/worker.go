// Package engine runs workers that pull jobs from the queue, execute them
// and report the outcome back.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trainctl/internal/backoff"
	"trainctl/internal/model"
	"trainctl/internal/queue"
)

// Dispatcher is the worker's view of the job queue.
type Dispatcher interface {
	Dequeue(ctx context.Context, workerID string) (*model.Job, error)
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID, reason string, opts queue.FailOptions) (*model.Job, error)
}

// Worker holds at most one active job at a time.
type Worker struct {
	ID      string
	queue   Dispatcher
	runner  Runner
	limiter *rate.Limiter
	poll    time.Duration
	logger  zerolog.Logger
	// report spaces out retries of an outcome the queue could not record.
	report backoff.Strategy
}

func NewWorker(id string, q Dispatcher, r Runner, limiter *rate.Limiter, poll time.Duration, logger zerolog.Logger) *Worker {
	if poll <= 0 {
		poll = 300 * time.Millisecond
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Worker{
		ID:      id,
		queue:   q,
		runner:  r,
		limiter: limiter,
		poll:    poll,
		logger:  logger.With().Str("worker", id).Logger(),
		report:  backoff.Exponential{Base: 2, Max: 30 * time.Second},
	}
}

// Run claims and executes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		j, err := w.queue.Dequeue(ctx, w.ID)
		if err != nil {
			w.logger.Warn().Err(err).Msg("claim failed")
			sleep(ctx, time.Second)
			continue
		}
		if j == nil {
			sleep(ctx, w.poll)
			continue
		}
		w.execute(ctx, j)
	}
}

func (w *Worker) execute(ctx context.Context, j *model.Job) {
	log := w.logger.With().Str("job", j.ID).Str("execution", j.ExecutionID).Str("stage", j.Stage).Logger()
	log.Info().Str("type", string(j.Type)).Int("attempt", j.Attempts+1).Msg("running job")

	started := time.Now()
	out, err := w.runner.Run(ctx, j)

	if err == nil {
		if w.deliver(ctx, log, "complete", func(rctx context.Context) error {
			return w.queue.Complete(rctx, j.ID, out)
		}) {
			log.Info().Dur("took", time.Since(started)).Msg("job completed")
		}
		return
	}

	reason := err.Error()
	if ctx.Err() != nil {
		reason = "worker shutdown: " + reason
	}
	opts := queue.FailOptions{NoRetry: errors.Is(err, model.ErrValidation)}
	var failed *model.Job
	if w.deliver(ctx, log, "fail", func(rctx context.Context) error {
		var ferr error
		failed, ferr = w.queue.Fail(rctx, j.ID, reason, opts)
		return ferr
	}) {
		log.Warn().Str("error", reason).Str("state", string(failed.State)).Msg("job failed")
	}
}

// deliver reports a job outcome, retrying with backoff while the queue is
// unavailable. The first attempt runs even when shutdown interrupted the
// job; retries stop once ctx is done. report must be safe to repeat.
func (w *Worker) deliver(ctx context.Context, log zerolog.Logger, op string, report func(context.Context) error) bool {
	rctx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err := report(rctx)
		switch {
		case err == nil:
			return true
		case errors.Is(err, model.ErrInvalidTransition):
			log.Warn().Err(err).Str("op", op).Msg("job no longer owned by this worker")
			return false
		case !errors.Is(err, model.ErrQueueUnavailable):
			log.Error().Err(err).Str("op", op).Msg("report job outcome")
			return false
		}

		delay := w.report.Delay(attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("retry_in", delay).Msg("queue unavailable, retrying outcome report")
		sleep(ctx, delay)
		if ctx.Err() != nil {
			log.Error().Err(err).Str("op", op).Str("state", "active").Msg("shutdown before outcome was recorded")
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
