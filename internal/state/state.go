// Package state aggregates job outcomes into execution status and progress.
//
// Every mutation of one execution runs under a per-execution lock and inside
// a single database transaction; the transition guard (the job must be in
// the expected set) is the compare-and-set that keeps duplicate or
// out-of-order events from corrupting the aggregates.
package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trainctl/internal/keylock"
	"trainctl/internal/model"
	"trainctl/internal/store"
)

type Store struct {
	db      *store.Store
	locks   *keylock.Mutex
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *store.Store, opts ...Option) *Store {
	s := &Store{
		db:      db,
		locks:   keylock.New(),
		logger:  zerolog.Nop(),
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "state").Logger()
	return s
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateExecution registers a pending execution of wf. An empty id gets a
// generated one.
func (s *Store) CreateExecution(ctx context.Context, id string, wf model.Workflow) (*model.Execution, error) {
	if wf.ID == "" {
		return nil, fmt.Errorf("%w: missing workflow id", model.ErrValidation)
	}
	if id == "" {
		id = uuid.NewString()
	}
	e := &model.Execution{
		ID:         id,
		WorkflowID: wf.ID,
		Status:     model.ExecutionPending,
		StartedAt:  s.now(),
		Planned:    len(wf.Stages),
		Jobs:       map[string]model.TrackedJob{},
		Workflow:   wf,
	}
	e.Rebuild()

	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.db.InsertExecution(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info().Str("execution", id).Str("workflow", wf.ID).Int("planned", e.Planned).Msg("execution created")
	return e, nil
}

// Get returns a snapshot of the execution, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*model.Execution, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.GetExecution(ctx, id)
}

func (s *Store) List(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.ListExecutions(ctx, status)
}

// mutate serializes fn with every other mutation of the same execution.
// A missing execution is reported as ErrExecutionNotFound.
func (s *Store) mutate(ctx context.Context, id string, fn func(e *model.Execution) error) (*model.Execution, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ctx, cancel := s.bound(ctx)
	defer cancel()
	e, err := s.db.MutateExecution(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
	}
	return e, nil
}

// Track admits a newly scheduled job into the current set.
func (s *Store) Track(ctx context.Context, id, jobID, stage string, required bool) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution) error {
		if e.Status.Terminal() {
			return fmt.Errorf("%w: execution %s is %s", model.ErrInvalidState, id, e.Status)
		}
		if _, ok := e.Jobs[jobID]; ok {
			return fmt.Errorf("%w: job %s already tracked", model.ErrInvalidState, jobID)
		}
		for _, tj := range e.Jobs {
			if tj.Stage == stage {
				return fmt.Errorf("%w: stage %s already scheduled as %s", model.ErrInvalidState, stage, tj.JobID)
			}
		}
		if len(e.Jobs) >= e.Planned {
			return fmt.Errorf("%w: execution %s already tracks %d planned jobs", model.ErrInvalidState, id, e.Planned)
		}
		e.Jobs[jobID] = model.TrackedJob{JobID: jobID, Stage: stage, Set: model.SetCurrent, Required: required}
		s.advance(e)
		return nil
	})
}

// Untrack removes a job that never reached the queue.
func (s *Store) Untrack(ctx context.Context, id, jobID string) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution) error {
		tj, ok := e.Jobs[jobID]
		if !ok || tj.Set != model.SetCurrent {
			return fmt.Errorf("%w: job %s is not current", model.ErrInvalidState, jobID)
		}
		delete(e.Jobs, jobID)
		return nil
	})
}

// RecordJobTransition moves jobID from one set to another and recomputes the
// status. It fails with ErrInvalidState when the job is not in from.
func (s *Store) RecordJobTransition(ctx context.Context, id, jobID string, from, to model.JobSet) (*model.Execution, error) {
	if to == model.SetNone || from == to {
		return nil, fmt.Errorf("%w: transition %q -> %q", model.ErrValidation, from, to)
	}
	return s.mutate(ctx, id, func(e *model.Execution) error {
		tj, ok := e.Jobs[jobID]
		if !ok {
			if from == model.SetNone {
				return fmt.Errorf("%w: use Track to admit job %s", model.ErrInvalidState, jobID)
			}
			return fmt.Errorf("%w: job %s is not tracked", model.ErrInvalidState, jobID)
		}
		if tj.Set != from {
			return fmt.Errorf("%w: job %s is %s, not %s", model.ErrInvalidState, jobID, tj.Set, from)
		}
		tj.Seq = 0
		if to == model.SetCompleted {
			tj.Seq = e.NextSeq()
		}
		tj.Set = to
		e.Jobs[jobID] = tj
		s.advance(e)
		return nil
	})
}

// AdvanceStatus recomputes the status from the job sets.
func (s *Store) AdvanceStatus(ctx context.Context, id string) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution) error {
		s.advance(e)
		return nil
	})
}

func (s *Store) advance(e *model.Execution) {
	next := NextStatus(e)
	if next == e.Status {
		return
	}
	if next.Terminal() {
		t := s.now()
		e.CompletedAt = &t
	}
	s.logger.Info().Str("execution", e.ID).Str("from", string(e.Status)).Str("to", string(next)).Msg("execution status changed")
	e.Status = next
}

// NextStatus derives the status an execution should have from its job sets.
// Terminal statuses are kept.
func NextStatus(e *model.Execution) model.ExecutionStatus {
	if e.Status.Terminal() {
		return e.Status
	}
	if len(e.Jobs) == 0 {
		return model.ExecutionPending
	}
	current, finished := 0, 0
	for _, tj := range e.Jobs {
		switch tj.Set {
		case model.SetFailed:
			if tj.Required {
				return model.ExecutionFailed
			}
			finished++
		case model.SetCompleted:
			finished++
		case model.SetCurrent:
			current++
		}
	}
	if current == 0 && finished >= e.Planned {
		return model.ExecutionCompleted
	}
	return model.ExecutionRunning
}

// AttachCheckpoint points the execution at checkpointID unless a newer
// checkpoint is already attached.
func (s *Store) AttachCheckpoint(ctx context.Context, id, checkpointID string) (*model.Execution, error) {
	cctx, cancel := s.bound(ctx)
	cp, err := s.db.GetCheckpoint(cctx, checkpointID)
	cancel()
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.ExecutionID != id {
		return nil, fmt.Errorf("%w: checkpoint %s does not belong to execution %s", model.ErrInvalidState, checkpointID, id)
	}
	return s.mutate(ctx, id, func(e *model.Execution) error {
		if cp.Seq <= e.CheckpointSeq {
			s.logger.Debug().Str("execution", id).Str("checkpoint", checkpointID).Msg("older checkpoint ignored")
			return nil
		}
		e.CheckpointID = cp.ID
		e.CheckpointSeq = cp.Seq
		return nil
	})
}

// Cancel marks a running or pending execution cancelled. Cancelling twice
// is a no-op; completed and failed executions cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution) error {
		switch e.Status {
		case model.ExecutionCancelled:
			return nil
		case model.ExecutionCompleted, model.ExecutionFailed:
			return fmt.Errorf("%w: execution %s already %s", model.ErrInvalidState, id, e.Status)
		}
		t := s.now()
		e.Status = model.ExecutionCancelled
		e.CompletedAt = &t
		s.logger.Info().Str("execution", id).Msg("execution cancelled")
		return nil
	})
}

// Rewind replaces the job sets with the given completed jobs, in order, and
// reopens the execution. Resume uses it to restart from a checkpoint.
func (s *Store) Rewind(ctx context.Context, id string, completed []model.TrackedJob) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution) error {
		if len(completed) > e.Planned {
			return fmt.Errorf("%w: %d completed jobs exceed %d planned", model.ErrInvalidState, len(completed), e.Planned)
		}
		e.Jobs = make(map[string]model.TrackedJob, len(completed))
		stages := map[string]bool{}
		for i, tj := range completed {
			if stages[tj.Stage] {
				return fmt.Errorf("%w: stage %s restored twice", model.ErrInvalidState, tj.Stage)
			}
			stages[tj.Stage] = true
			tj.Set = model.SetCompleted
			tj.Seq = i + 1
			e.Jobs[tj.JobID] = tj
		}
		e.Status = model.ExecutionPending
		e.CompletedAt = nil
		s.advance(e)
		return nil
	})
}

// CompletedInOrder returns the completed tracking records ordered by completion.
func CompletedInOrder(e *model.Execution) []model.TrackedJob {
	var out []model.TrackedJob
	for _, tj := range e.Jobs {
		if tj.Set == model.SetCompleted {
			out = append(out, tj)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}
