package store

import (
	"context"

	"trainctl/internal/model"
)

func (s *Store) ListJobs(ctx context.Context, state model.JobState) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}

	if state != "" {
		q += " WHERE state = ?"
		args = append(args, state)
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// Stats counts jobs per state in a single statement, so the snapshot is
// internally consistent.
func (s *Store) Stats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var state model.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, err
		}
		stats.Add(state, count)
	}
	return stats, rows.Err()
}
