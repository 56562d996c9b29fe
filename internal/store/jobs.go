package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trainctl/internal/model"
)

const jobColumns = `id, workflow_id, execution_id, stage, type, payload, state, priority,
		attempts, max_attempts, worker_id, result, last_error,
		created_at, updated_at, available_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var createdAtStr, updatedAtStr, availableAtStr string
	if err := row.Scan(
		&j.ID, &j.WorkflowID, &j.ExecutionID, &j.Stage, &j.Type, &j.Payload, &j.State, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.WorkerID, &j.Result, &j.LastError,
		&createdAtStr, &updatedAtStr, &availableAtStr,
	); err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(createdAtStr)
	j.UpdatedAt = parseTime(updatedAtStr)
	j.AvailableAt = parseTime(availableAtStr)
	return &j, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryRower, id string) (*model.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// GetJob returns the job or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.DB, id)
}

// Enqueue inserts a job. Inserting an id that already exists is a no-op so
// that a retried enqueue cannot duplicate work.
func (s *Store) Enqueue(ctx context.Context, j *model.Job) error {
	now := time.Now().UTC()

	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	if j.State == "" {
		j.State = model.StateWaiting
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = s.MustGetInt(KeyMaxAttempts, 3)
	}

	_, err := s.DB.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, j.ID, j.WorkflowID, j.ExecutionID, j.Stage, j.Type, j.Payload, j.State, j.Priority,
		j.Attempts, j.MaxAttempts, j.WorkerID, j.Result, j.LastError,
		formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
		formatTime(j.AvailableAt),
	)

	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}

// ClaimOne promotes due delayed jobs and moves the best waiting job to active,
// owned by workerID. It returns nil when the queue is paused or empty.
func (s *Store) ClaimOne(ctx context.Context, now time.Time, workerID string) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowStr := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state='waiting', updated_at=?
		WHERE state='delayed' AND available_at <= ?
	`, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	var paused string
	err = tx.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, KeyPaused).Scan(&paused)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	if paused == "true" {
		return nil, tx.Commit()
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM jobs
		WHERE state='waiting'
		  AND available_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
	`, nowStr).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("select waiting job: %w", err)
	}

	// the claim: conditional on the row still being waiting
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state='active', worker_id=?, updated_at=?
		WHERE id=? AND state='waiting'
	`, workerID, nowStr, id)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows != 1 {
		return nil, tx.Commit()
	}

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("reload job after claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}

	return j, nil
}

// Complete moves an active job to completed. Repeating the call with the
// same result returns the job with applied=false.
func (s *Store) Complete(ctx context.Context, id string, result []byte, now time.Time) (*model.Job, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load job: %w", err)
	}
	if j == nil {
		return nil, false, fmt.Errorf("%w: job %s not found", model.ErrInvalidTransition, id)
	}
	if j.State == model.StateCompleted && bytes.Equal(j.Result, result) {
		return j, false, nil
	}
	if j.State != model.StateActive {
		return nil, false, fmt.Errorf("%w: complete job %s in state %s", model.ErrInvalidTransition, id, j.State)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state='completed', result=?, updated_at=?
		WHERE id=? AND state='active'
	`, result, formatTime(now), id); err != nil {
		return nil, false, fmt.Errorf("complete update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("tx commit: %w", err)
	}

	j.State = model.StateCompleted
	j.Result = result
	j.UpdatedAt = now
	return j, true, nil
}

// Fail records a failed attempt of an active job. next decides, from the new
// attempt count, whether the job is retried and after which delay.
func (s *Store) Fail(ctx context.Context, id, reason string, now time.Time, next func(attempts, maxAttempts int) (time.Duration, bool)) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if j == nil {
		return nil, fmt.Errorf("%w: job %s not found", model.ErrInvalidTransition, id)
	}
	if j.State != model.StateActive {
		return nil, fmt.Errorf("%w: fail job %s in state %s", model.ErrInvalidTransition, id, j.State)
	}

	j.Attempts++
	j.LastError = reason
	j.UpdatedAt = now
	if delay, retry := next(j.Attempts, j.MaxAttempts); retry {
		j.State = model.StateDelayed
		j.AvailableAt = now.Add(delay)
	} else {
		j.State = model.StateFailed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state=?, attempts=?, last_error=?, available_at=?, updated_at=?
		WHERE id=? AND state='active'
	`, j.State, j.Attempts, j.LastError, formatTime(j.AvailableAt), formatTime(now), id); err != nil {
		return nil, fmt.Errorf("fail update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}
	return j, nil
}

// Hold parks the waiting and delayed jobs of an execution as paused so they
// are never dispatched. It returns the ids it parked.
func (s *Store) Hold(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	return s.moveExecutionJobs(ctx, executionID, now,
		[]model.JobState{model.StateWaiting, model.StateDelayed}, model.StatePaused, "")
}

// Abort fails the active jobs of an execution.
func (s *Store) Abort(ctx context.Context, executionID, reason string, now time.Time) ([]string, error) {
	return s.moveExecutionJobs(ctx, executionID, now,
		[]model.JobState{model.StateActive}, model.StateFailed, reason)
}

func (s *Store) moveExecutionJobs(ctx context.Context, executionID string, now time.Time, from []model.JobState, to model.JobState, reason string) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	for _, st := range from {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM jobs WHERE execution_id=? AND state=? ORDER BY created_at`, executionID, st)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state=?, last_error=CASE WHEN ?='' THEN last_error ELSE ? END, updated_at=?
			WHERE execution_id=? AND state=?
		`, to, reason, reason, formatTime(now), executionID, st); err != nil {
			return nil, fmt.Errorf("move %s jobs: %w", st, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}
	return ids, nil
}

// Discard deletes every job of an execution that has not completed.
func (s *Store) Discard(ctx context.Context, executionID string) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE execution_id=? AND state<>'completed'`, executionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
