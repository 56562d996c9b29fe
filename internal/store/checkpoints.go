package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trainctl/internal/model"
)

// InsertCheckpoint writes cp and fills in its sequence number.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO checkpoints (id, execution_id, payload, created_at) VALUES (?, ?, ?, ?)
	`, cp.ID, cp.ExecutionID, cp.Payload, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("checkpoint seq: %w", err)
	}
	cp.Seq = seq
	return nil
}

func scanCheckpoint(row scanner) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var createdAt string
	if err := row.Scan(&cp.Seq, &cp.ID, &cp.ExecutionID, &cp.Payload, &createdAt); err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(createdAt)
	return &cp, nil
}

// GetCheckpoint returns the checkpoint or nil.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	cp, err := scanCheckpoint(s.DB.QueryRowContext(ctx,
		`SELECT seq, id, execution_id, payload, created_at FROM checkpoints WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// LatestCheckpoint returns the most recent checkpoint of an execution or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, executionID string) (*model.Checkpoint, error) {
	cp, err := scanCheckpoint(s.DB.QueryRowContext(ctx, `
		SELECT seq, id, execution_id, payload, created_at FROM checkpoints
		WHERE execution_id=? ORDER BY seq DESC LIMIT 1
	`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]*model.Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, id, execution_id, payload, created_at FROM checkpoints
		WHERE execution_id=? ORDER BY seq ASC
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
