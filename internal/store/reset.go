package store

import (
	"context"
)

func (s *Store) ResetQueue(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs;`)
	return err
}

// ResetExecutions clears executions, their tracked jobs and checkpoints.
func (s *Store) ResetExecutions(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM execution_jobs;
		DELETE FROM executions;
		DELETE FROM checkpoints;
	`)
	return err
}
