// Package coordinator turns workflows into queued jobs and queue outcomes
// into execution state.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trainctl/internal/checkpoint"
	"trainctl/internal/model"
	"trainctl/internal/queue"
	"trainctl/internal/state"
)

// JobQueue is the part of the job queue the coordinator drives.
type JobQueue interface {
	Enqueue(ctx context.Context, j *model.Job, opts queue.EnqueueOptions) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Hold(ctx context.Context, executionID string) ([]string, error)
	Abort(ctx context.Context, executionID, reason string) ([]string, error)
	Discard(ctx context.Context, executionID string) (int, error)
}

// Policy holds the scheduling knobs read from configuration.
type Policy struct {
	// RequiredByDefault applies to stages that do not set required.
	RequiredByDefault bool
	// CheckpointEvery takes a checkpoint after every N completed jobs; 0 disables it.
	CheckpointEvery int
}

type Coordinator struct {
	queue       JobQueue
	states      *state.Store
	checkpoints *checkpoint.Manager
	policy      Policy
	logger      zerolog.Logger
}

func New(q JobQueue, states *state.Store, checkpoints *checkpoint.Manager, policy Policy, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		queue:       q,
		states:      states,
		checkpoints: checkpoints,
		policy:      policy,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}
}

// Submit validates wf, creates its execution and enqueues the stages that
// have no dependencies.
func (c *Coordinator) Submit(ctx context.Context, wf model.Workflow) (*model.Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	e, err := c.states.CreateExecution(ctx, "", wf)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if err := c.schedule(ctx, e.ID); err != nil {
		return nil, err
	}
	return c.states.Get(ctx, e.ID)
}

// schedule enqueues every stage whose dependencies are satisfied and that
// has no job yet. A failed optional stage satisfies its dependents.
func (c *Coordinator) schedule(ctx context.Context, executionID string) error {
	e, err := c.states.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if e == nil || e.Status.Terminal() {
		return nil
	}

	satisfied := map[string]bool{}
	scheduled := map[string]bool{}
	for _, tj := range e.Jobs {
		scheduled[tj.Stage] = true
		if tj.Set == model.SetCompleted || (tj.Set == model.SetFailed && !tj.Required) {
			satisfied[tj.Stage] = true
		}
	}

	for _, st := range e.Workflow.Ready(satisfied, scheduled) {
		if err := c.enqueueStage(ctx, e, st); err != nil {
			return err
		}
	}

	// A cancel that raced with scheduling must not leave runnable jobs behind.
	after, err := c.states.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if after != nil && after.Status.Terminal() && after.Status != model.ExecutionCompleted {
		if _, err := c.queue.Hold(ctx, executionID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) enqueueStage(ctx context.Context, e *model.Execution, st model.Stage) error {
	jobID := uuid.NewString()
	required := st.IsRequired(c.policy.RequiredByDefault)
	if _, err := c.states.Track(ctx, e.ID, jobID, st.Name, required); err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			c.logger.Debug().Err(err).Str("execution", e.ID).Str("stage", st.Name).Msg("stage not scheduled")
			return nil
		}
		return err
	}

	payload, err := json.Marshal(model.Payload{Command: st.Command, Params: st.Params})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	j := &model.Job{
		ID:          jobID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Stage:       st.Name,
		Type:        st.Type,
		Payload:     payload,
		Priority:    st.Priority,
		MaxAttempts: st.MaxAttempts,
	}
	if err := c.queue.Enqueue(ctx, j, queue.EnqueueOptions{}); err != nil {
		if _, uerr := c.states.Untrack(ctx, e.ID, jobID); uerr != nil {
			c.logger.Error().Err(uerr).Str("job", jobID).Msg("untrack after failed enqueue")
		}
		return fmt.Errorf("enqueue stage %s: %w", st.Name, err)
	}
	c.logger.Info().Str("execution", e.ID).Str("stage", st.Name).Str("job", jobID).Bool("required", required).Msg("stage scheduled")
	return nil
}

// OnJobEvent applies one queue outcome to its execution and schedules the
// stages it unblocks. Duplicate and out-of-order events are discarded.
func (c *Coordinator) OnJobEvent(ctx context.Context, ev queue.Event) error {
	var to model.JobSet
	switch ev.Kind {
	case queue.EventCompleted:
		to = model.SetCompleted
	case queue.EventFailed:
		to = model.SetFailed
	case queue.EventRetrying:
		c.logger.Debug().Str("job", ev.JobID).Int("attempts", ev.Attempts).Msg("job retrying")
		return nil
	default:
		return fmt.Errorf("%w: unknown event kind %q", model.ErrValidation, ev.Kind)
	}

	e, err := c.states.RecordJobTransition(ctx, ev.ExecutionID, ev.JobID, model.SetCurrent, to)
	if errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrExecutionNotFound) {
		c.logger.Warn().Err(err).Str("job", ev.JobID).Str("kind", string(ev.Kind)).Msg("event discarded")
		return nil
	}
	if err != nil {
		return err
	}

	if e.Status == model.ExecutionFailed {
		c.logger.Error().Str("execution", e.ID).Str("stage", ev.Stage).Str("error", ev.Err).
			Err(model.ErrTerminalJobFailure).Msg("required stage failed")
		_, err := c.queue.Hold(ctx, e.ID)
		return err
	}

	if to == model.SetCompleted && c.policy.CheckpointEvery > 0 && len(e.CompletedJobs)%c.policy.CheckpointEvery == 0 {
		if _, err := c.Checkpoint(ctx, e.ID); err != nil {
			c.logger.Error().Err(err).Str("execution", e.ID).Msg("automatic checkpoint")
		}
	}
	return c.schedule(ctx, e.ID)
}

// Run applies queue events until ctx is done or events is closed.
func (c *Coordinator) Run(ctx context.Context, events <-chan queue.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.OnJobEvent(ctx, ev); err != nil {
				c.logger.Error().Err(err).Str("job", ev.JobID).Str("kind", string(ev.Kind)).Msg("apply job event")
			}
		}
	}
}

// Drain applies the events already buffered in events and returns.
func (c *Coordinator) Drain(ctx context.Context, events <-chan queue.Event) int {
	n := 0
	for {
		select {
		case ev := <-events:
			if err := c.OnJobEvent(ctx, ev); err != nil {
				c.logger.Error().Err(err).Str("job", ev.JobID).Msg("apply job event")
			}
			n++
		default:
			return n
		}
	}
}

// Reconcile replays the queue outcome of every current job of an
// execution. It repairs executions whose events were lost when a process
// died between finishing a job and recording it.
func (c *Coordinator) Reconcile(ctx context.Context, executionID string) (int, error) {
	e, err := c.states.Get(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, executionID)
	}
	applied := 0
	for _, jobID := range e.CurrentJobs {
		j, err := c.queue.Get(ctx, jobID)
		if err != nil {
			return applied, err
		}
		if j == nil {
			continue
		}
		ev := queue.Event{JobID: j.ID, ExecutionID: j.ExecutionID, Stage: j.Stage, Result: j.Result, Err: j.LastError, Attempts: j.Attempts, At: j.UpdatedAt}
		switch j.State {
		case model.StateCompleted:
			ev.Kind = queue.EventCompleted
		case model.StateFailed:
			ev.Kind = queue.EventFailed
		default:
			continue
		}
		if err := c.OnJobEvent(ctx, ev); err != nil {
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		c.logger.Info().Str("execution", executionID).Int("applied", applied).Msg("execution reconciled")
	}
	return applied, nil
}

// Cancel stops an execution. Queued jobs are held; active jobs drain unless
// force is set, in which case they are failed immediately.
func (c *Coordinator) Cancel(ctx context.Context, executionID string, force bool) (*model.Execution, error) {
	e, err := c.states.Cancel(ctx, executionID)
	if err != nil {
		return nil, err
	}
	held, err := c.queue.Hold(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !force {
		c.logger.Info().Str("execution", executionID).Int("held", len(held)).Msg("execution cancelled")
		return e, nil
	}

	aborted, err := c.queue.Abort(ctx, executionID, "execution cancelled")
	if err != nil {
		return nil, err
	}
	for _, jobID := range aborted {
		next, err := c.states.RecordJobTransition(ctx, executionID, jobID, model.SetCurrent, model.SetFailed)
		if errors.Is(err, model.ErrInvalidState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e = next
	}
	c.logger.Info().Str("execution", executionID).Int("held", len(held)).Int("aborted", len(aborted)).Msg("execution force cancelled")
	return e, nil
}

// Checkpoint records the completed stages of an execution and their results
// as a new checkpoint and attaches it.
func (c *Coordinator) Checkpoint(ctx context.Context, executionID string) (*model.Checkpoint, error) {
	e, err := c.states.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, executionID)
	}

	var rp checkpoint.ResumePoint
	for _, tj := range state.CompletedInOrder(e) {
		j, err := c.queue.Get(ctx, tj.JobID)
		if err != nil {
			return nil, err
		}
		var result []byte
		if j != nil {
			result = j.Result
		}
		rp.Stages = append(rp.Stages, checkpoint.NewStageResult(tj.Stage, tj.JobID, result))
	}
	payload, err := rp.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode resume point: %w", err)
	}
	cp, err := c.checkpoints.Create(ctx, executionID, payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.states.AttachCheckpoint(ctx, executionID, cp.ID); err != nil {
		return nil, err
	}
	return cp, nil
}

// Resume restarts an execution from its latest checkpoint. Stages recorded
// in the checkpoint or already completed are kept; every other job is
// dropped and the ready stages are enqueued again. Outcomes the queue
// holds but the execution never recorded are applied first, so a finished
// job is never run twice.
func (c *Coordinator) Resume(ctx context.Context, executionID string) (*model.Execution, error) {
	if _, err := c.Reconcile(ctx, executionID); err != nil {
		return nil, err
	}
	e, err := c.states.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, executionID)
	}
	if e.Status == model.ExecutionCompleted {
		return e, nil
	}

	var rp checkpoint.ResumePoint
	cp, err := c.checkpoints.LoadLatest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if rp, err = checkpoint.Decode(cp.Payload); err != nil {
			return nil, err
		}
	}

	keep := make([]model.TrackedJob, 0, len(rp.Stages)+len(e.CompletedJobs))
	kept := map[string]bool{}
	completed := e.StageSet(model.SetCompleted)
	for _, sr := range rp.Stages {
		st, ok := e.Workflow.Stage(sr.Stage)
		if !ok || kept[sr.Stage] {
			continue
		}
		tj := model.TrackedJob{JobID: sr.JobID, Stage: sr.Stage, Required: st.IsRequired(c.policy.RequiredByDefault)}
		if id, ok := completed[sr.Stage]; ok {
			tj = e.Jobs[id]
		}
		keep = append(keep, tj)
		kept[sr.Stage] = true
	}
	for _, tj := range state.CompletedInOrder(e) {
		if !kept[tj.Stage] {
			keep = append(keep, tj)
			kept[tj.Stage] = true
		}
	}

	dropped, err := c.queue.Discard(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.states.Rewind(ctx, executionID, keep); err != nil {
		return nil, err
	}
	c.logger.Info().Str("execution", executionID).Int("kept", len(keep)).Int("dropped", dropped).Msg("execution resumed")

	if err := c.schedule(ctx, executionID); err != nil {
		return nil, err
	}
	return c.states.Get(ctx, executionID)
}
