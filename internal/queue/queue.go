// Package queue admits, dispatches and retires training jobs on top of a
// durable Backend. The Backend is the sole arbiter of which worker owns an
// active job; Queue adds the pause barrier, retry policy, bounded timeouts
// and the completion event stream consumed by the coordinator.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trainctl/internal/backoff"
	"trainctl/internal/model"
)

// Backend is the durable store behind a Queue. Implementations must make
// every method atomic with respect to the others.
type Backend interface {
	Enqueue(ctx context.Context, j *model.Job) error
	ClaimOne(ctx context.Context, now time.Time, workerID string) (*model.Job, error)
	Complete(ctx context.Context, id string, result []byte, now time.Time) (*model.Job, bool, error)
	Fail(ctx context.Context, id, reason string, now time.Time, next func(attempts, maxAttempts int) (time.Duration, bool)) (*model.Job, error)
	Hold(ctx context.Context, executionID string, now time.Time) ([]string, error)
	Abort(ctx context.Context, executionID, reason string, now time.Time) ([]string, error)
	Discard(ctx context.Context, executionID string) (int, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, state model.JobState) ([]*model.Job, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	SetPaused(ctx context.Context, paused bool) error
	Paused(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
	ResetQueue(ctx context.Context) error
}

type Config struct {
	// MaxAttempts applies to jobs enqueued without their own limit.
	MaxAttempts int
	Backoff     backoff.Strategy
	// OpTimeout bounds every backend call.
	OpTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     backoff.Exponential{Base: 2, Max: time.Minute},
		OpTimeout:   5 * time.Second,
	}
}

type Queue struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	events  chan<- Event
	now     func() time.Time

	// gate is held shared by every claim and exclusively by Pause, so a
	// returned Pause never overlaps a dispatch in this process.
	gate sync.RWMutex
}

type Option func(*Queue)

// WithEvents sets the channel job outcome events are published to.
func WithEvents(ch chan<- Event) Option {
	return func(q *Queue) { q.events = ch }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(b Backend, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	q := &Queue{
		backend: b,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("component", "queue").Logger()
	return q
}

func (q *Queue) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.cfg.OpTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrQueueUnavailable, op, err)
}

// passthrough keeps state-machine errors intact and marks the rest transient.
func passthrough(op string, err error) error {
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrValidation) {
		return err
	}
	return unavailable(op, err)
}

type EnqueueOptions struct {
	// Delay admits the job as delayed until it elapses.
	Delay time.Duration
	// Priority overrides the job's priority when set. Higher runs first.
	Priority *int
}

// Enqueue admits j as waiting, or delayed when opts.Delay > 0.
func (q *Queue) Enqueue(ctx context.Context, j *model.Job, opts EnqueueOptions) error {
	if j == nil || j.ID == "" || j.ExecutionID == "" {
		return fmt.Errorf("%w: job needs an id and an execution id", model.ErrValidation)
	}
	if _, err := model.ParseJobType(string(j.Type)); err != nil {
		return err
	}
	now := q.now()
	j.State = model.StateWaiting
	j.AvailableAt = now
	if opts.Delay > 0 {
		j.State = model.StateDelayed
		j.AvailableAt = now.Add(opts.Delay)
	}
	if opts.Priority != nil {
		j.Priority = *opts.Priority
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	j.CreatedAt, j.UpdatedAt = now, now

	ctx, cancel := q.bound(ctx)
	defer cancel()
	if err := q.backend.Enqueue(ctx, j); err != nil {
		return unavailable("enqueue", err)
	}
	q.logger.Debug().Str("job", j.ID).Str("execution", j.ExecutionID).Str("state", string(j.State)).Msg("job enqueued")
	return nil
}

// Dequeue claims one waiting job for workerID. It returns nil, nil when no
// job is available or the queue is paused.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*model.Job, error) {
	q.gate.RLock()
	defer q.gate.RUnlock()

	ctx, cancel := q.bound(ctx)
	defer cancel()
	j, err := q.backend.ClaimOne(ctx, q.now(), workerID)
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if j != nil {
		q.logger.Debug().Str("job", j.ID).Str("worker", workerID).Msg("job claimed")
	}
	return j, nil
}

// Complete moves an active job to completed. Repeating it with the same
// result is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID string, result []byte) error {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	j, applied, err := q.backend.Complete(ctx, jobID, result, q.now())
	if err != nil {
		return passthrough("complete", err)
	}
	if !applied {
		return nil
	}
	q.emit(Event{
		Kind: EventCompleted, JobID: j.ID, ExecutionID: j.ExecutionID, Stage: j.Stage,
		Result: j.Result, Attempts: j.Attempts, At: j.UpdatedAt,
	})
	return nil
}

type FailOptions struct {
	// NoRetry fails the job terminally regardless of remaining attempts.
	NoRetry bool
}

// Fail records a failed attempt. The job is delayed for a retry while its
// attempts stay under its limit, otherwise it fails terminally.
func (q *Queue) Fail(ctx context.Context, jobID, reason string, opts FailOptions) (*model.Job, error) {
	next := func(attempts, maxAttempts int) (time.Duration, bool) {
		if opts.NoRetry || attempts >= maxAttempts {
			return 0, false
		}
		return q.cfg.Backoff.Delay(attempts), true
	}

	ctx, cancel := q.bound(ctx)
	defer cancel()
	j, err := q.backend.Fail(ctx, jobID, reason, q.now(), next)
	if err != nil {
		return nil, passthrough("fail", err)
	}

	kind := EventRetrying
	if j.State == model.StateFailed {
		kind = EventFailed
	}
	q.logger.Info().Str("job", j.ID).Int("attempts", j.Attempts).Str("state", string(j.State)).Str("error", reason).Msg("job attempt failed")
	q.emit(Event{
		Kind: kind, JobID: j.ID, ExecutionID: j.ExecutionID, Stage: j.Stage,
		Err: reason, Attempts: j.Attempts, At: j.UpdatedAt,
	})
	return j, nil
}

// Pause stops dispatch. When it returns no claim is in flight in this
// process and no later claim in any process will succeed until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	q.gate.Lock()
	defer q.gate.Unlock()

	ctx, cancel := q.bound(ctx)
	defer cancel()
	if err := q.backend.SetPaused(ctx, true); err != nil {
		return unavailable("pause", err)
	}
	q.logger.Info().Msg("queue paused")
	return nil
}

// Resume re-enables dispatch. It is idempotent.
func (q *Queue) Resume(ctx context.Context) error {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	if err := q.backend.SetPaused(ctx, false); err != nil {
		return unavailable("resume", err)
	}
	q.logger.Info().Msg("queue resumed")
	return nil
}

func (q *Queue) Paused(ctx context.Context) (bool, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	p, err := q.backend.Paused(ctx)
	if err != nil {
		return false, unavailable("paused", err)
	}
	return p, nil
}

func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	s, err := q.backend.Stats(ctx)
	if err != nil {
		return s, unavailable("stats", err)
	}
	return s, nil
}

// Healthy reports whether the backend answers within the operation timeout.
func (q *Queue) Healthy(ctx context.Context) bool {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	if err := q.backend.Ping(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("queue backend unhealthy")
		return false
	}
	return true
}

// Get returns the job or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	j, err := q.backend.GetJob(ctx, jobID)
	if err != nil {
		return nil, unavailable("get", err)
	}
	return j, nil
}

// List returns jobs in state, or every job when state is empty.
func (q *Queue) List(ctx context.Context, state model.JobState) ([]*model.Job, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	jobs, err := q.backend.ListJobs(ctx, state)
	if err != nil {
		return nil, unavailable("list", err)
	}
	return jobs, nil
}

// Hold parks the waiting and delayed jobs of an execution as paused.
func (q *Queue) Hold(ctx context.Context, executionID string) ([]string, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	ids, err := q.backend.Hold(ctx, executionID, q.now())
	if err != nil {
		return nil, unavailable("hold", err)
	}
	return ids, nil
}

// Abort fails the active jobs of an execution. Workers still running them
// get ErrInvalidTransition when they report.
func (q *Queue) Abort(ctx context.Context, executionID, reason string) ([]string, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	ids, err := q.backend.Abort(ctx, executionID, reason, q.now())
	if err != nil {
		return nil, unavailable("abort", err)
	}
	return ids, nil
}

// Discard drops every job of an execution that has not completed.
func (q *Queue) Discard(ctx context.Context, executionID string) (int, error) {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	n, err := q.backend.Discard(ctx, executionID)
	if err != nil {
		return 0, unavailable("discard", err)
	}
	return n, nil
}

// Reset deletes every job. Development only.
func (q *Queue) Reset(ctx context.Context) error {
	ctx, cancel := q.bound(ctx)
	defer cancel()
	if err := q.backend.ResetQueue(ctx); err != nil {
		return unavailable("reset", err)
	}
	return nil
}
