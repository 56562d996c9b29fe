package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trainctl/internal/model"
)

type querier interface {
	queryRower
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// InsertExecution persists a new execution. An existing id yields
// model.ErrDuplicateExecution.
func (s *Store) InsertExecution(ctx context.Context, e *model.Execution) error {
	wf, err := json.Marshal(e.Workflow)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	now := formatTime(time.Now())
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, planned, workflow, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.WorkflowID, e.Status, e.Planned, string(wf), formatTime(e.StartedAt), now)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrDuplicateExecution, e.ID)
	}
	return nil
}

func loadExecution(ctx context.Context, q querier, id string) (*model.Execution, error) {
	e := &model.Execution{Jobs: map[string]model.TrackedJob{}}
	var wf, startedAt string
	var completedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, planned, workflow, started_at, completed_at, checkpoint_id, checkpoint_seq
		FROM executions WHERE id=?
	`, id).Scan(&e.ID, &e.WorkflowID, &e.Status, &e.Planned, &wf, &startedAt, &completedAt, &e.CheckpointID, &e.CheckpointSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if err := json.Unmarshal([]byte(wf), &e.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	e.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		e.CompletedAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT job_id, stage, job_set, required, seq FROM execution_jobs WHERE execution_id=?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load execution jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tj model.TrackedJob
		if err := rows.Scan(&tj.JobID, &tj.Stage, &tj.Set, &tj.Required, &tj.Seq); err != nil {
			return nil, err
		}
		e.Jobs[tj.JobID] = tj
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	e.Rebuild()
	return e, nil
}

// GetExecution returns the execution or nil when it does not exist.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return loadExecution(ctx, s.DB, id)
}

// MutateExecution loads the execution inside a transaction, hands a copy to
// fn and writes back whatever fn changed. It returns nil without calling fn
// when the execution does not exist. An error from fn aborts the transaction.
func (s *Store) MutateExecution(ctx context.Context, id string, fn func(e *model.Execution) error) (*model.Execution, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	before, err := loadExecution(ctx, tx, id)
	if err != nil || before == nil {
		return nil, err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}

	for jobID, old := range before.Jobs {
		cur, ok := after.Jobs[jobID]
		switch {
		case !ok:
			_, err = tx.ExecContext(ctx, `DELETE FROM execution_jobs WHERE execution_id=? AND job_id=?`, id, jobID)
		case cur != old:
			_, err = tx.ExecContext(ctx, `
				UPDATE execution_jobs SET job_set=?, required=?, seq=? WHERE execution_id=? AND job_id=?
			`, cur.Set, cur.Required, cur.Seq, id, jobID)
		}
		if err != nil {
			return nil, fmt.Errorf("write job %s: %w", jobID, err)
		}
	}
	for jobID, cur := range after.Jobs {
		if _, ok := before.Jobs[jobID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_jobs (execution_id, job_id, stage, job_set, required, seq)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, jobID, cur.Stage, cur.Set, cur.Required, cur.Seq); err != nil {
			return nil, fmt.Errorf("track job %s: %w", jobID, err)
		}
	}

	var completedAt any
	if after.CompletedAt != nil {
		completedAt = formatTime(*after.CompletedAt)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET status=?, completed_at=?, checkpoint_id=?, checkpoint_seq=?, updated_at=?
		WHERE id=?
	`, after.Status, completedAt, after.CheckpointID, after.CheckpointSeq, formatTime(time.Now()), id); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}
	after.Rebuild()
	return after, nil
}

// ListExecutions returns executions, optionally filtered by status, oldest first.
func (s *Store) ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	q := `SELECT id FROM executions`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY started_at ASC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
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

	out := make([]*model.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}
