package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trainctl/internal/model"
)

func jobToMap(j *model.Job) map[string]any {
	return map[string]any{
		"id":           j.ID,
		"workflow_id":  j.WorkflowID,
		"execution_id": j.ExecutionID,
		"stage":        j.Stage,
		"type":         string(j.Type),
		"payload":      j.Payload,
		"state":        string(j.State),
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"worker_id":    j.WorkerID,
		"result":       j.Result,
		"last_error":   j.LastError,
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"available_at": j.AvailableAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapToJob(m map[string]string) *model.Job {
	j := &model.Job{
		ID:          m["id"],
		WorkflowID:  m["workflow_id"],
		ExecutionID: m["execution_id"],
		Stage:       m["stage"],
		Type:        model.JobType(m["type"]),
		State:       model.JobState(m["state"]),
		WorkerID:    m["worker_id"],
		LastError:   m["last_error"],
	}
	if v := m["payload"]; v != "" {
		j.Payload = []byte(v)
	}
	if v := m["result"]; v != "" {
		j.Result = []byte(v)
	}
	j.Priority, _ = strconv.Atoi(m["priority"])
	j.Attempts, _ = strconv.Atoi(m["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])
	j.AvailableAt, _ = time.Parse(time.RFC3339Nano, m["available_at"])
	return j
}

// waitingScore orders by priority (higher first) then creation time.
func waitingScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(createdAt.UnixMilli())
}

func dueScore(t time.Time) float64 { return float64(t.UnixMilli()) }

func loadJob(ctx context.Context, c goredis.Cmdable, id string) (*model.Job, error) {
	m, err := c.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return mapToJob(m), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return loadJob(ctx, s.client, id)
}

// Enqueue stores the job Hash and indexes it as waiting or delayed. An id
// that already exists is left untouched.
func (s *Store) Enqueue(ctx context.Context, j *model.Job) error {
	key := jobKey(j.ID)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.SAdd(ctx, jobIDsKey, j.ID)
			pipe.SAdd(ctx, executionJobsKey(j.ExecutionID), j.ID)
			indexJob(ctx, pipe, j)
			return nil
		})
		return err
	}, key)
}

func indexJob(ctx context.Context, pipe goredis.Pipeliner, j *model.Job) {
	switch j.State {
	case model.StateWaiting:
		pipe.ZAdd(ctx, waitingKey, goredis.Z{Score: waitingScore(j.Priority, j.CreatedAt), Member: j.ID})
	case model.StateDelayed:
		pipe.ZAdd(ctx, delayedKey, goredis.Z{Score: dueScore(j.AvailableAt), Member: j.ID})
	default:
		pipe.SAdd(ctx, stateKey(string(j.State)), j.ID)
	}
}

func unindexJob(ctx context.Context, pipe goredis.Pipeliner, j *model.Job) {
	switch j.State {
	case model.StateWaiting:
		pipe.ZRem(ctx, waitingKey, j.ID)
	case model.StateDelayed:
		pipe.ZRem(ctx, delayedKey, j.ID)
	default:
		pipe.SRem(ctx, stateKey(string(j.State)), j.ID)
	}
}

// promote moves due delayed jobs back to waiting.
func (s *Store) promote(ctx context.Context, now time.Time) error {
	return s.watch(ctx, func(tx *goredis.Tx) error {
		due, err := tx.ZRangeByScore(ctx, delayedKey, &goredis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatFloat(dueScore(now), 'f', -1, 64),
		}).Result()
		if err != nil || len(due) == 0 {
			return err
		}
		jobs := make([]*model.Job, 0, len(due))
		for _, id := range due {
			j, err := loadJob(ctx, tx, id)
			if err != nil {
				return err
			}
			if j != nil {
				jobs = append(jobs, j)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, delayedKey, anySlice(due)...)
			for _, j := range jobs {
				pipe.HSet(ctx, jobKey(j.ID), "state", string(model.StateWaiting), "updated_at", now.Format(time.RFC3339Nano))
				pipe.ZAdd(ctx, waitingKey, goredis.Z{Score: waitingScore(j.Priority, j.CreatedAt), Member: j.ID})
			}
			return nil
		})
		return err
	}, delayedKey)
}

// ClaimOne promotes due delayed jobs and pops the head of the waiting set
// for workerID. Returns nil when paused or empty.
func (s *Store) ClaimOne(ctx context.Context, now time.Time, workerID string) (*model.Job, error) {
	if err := s.promote(ctx, now); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	var claimed string
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		claimed = ""
		paused, err := tx.Get(ctx, pausedKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if paused == "1" {
			return nil
		}
		head, err := tx.ZRange(ctx, waitingKey, 0, 0).Result()
		if err != nil || len(head) == 0 {
			return err
		}
		id := head[0]
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, waitingKey, id)
			pipe.SAdd(ctx, stateKey(string(model.StateActive)), id)
			pipe.HSet(ctx, jobKey(id),
				"state", string(model.StateActive),
				"worker_id", workerID,
				"updated_at", now.Format(time.RFC3339Nano),
			)
			return nil
		})
		if err == nil {
			claimed = id
		}
		return err
	}, pausedKey, waitingKey)
	if err != nil || claimed == "" {
		return nil, err
	}
	return loadJob(ctx, s.client, claimed)
}

func (s *Store) Complete(ctx context.Context, id string, result []byte, now time.Time) (*model.Job, bool, error) {
	var out *model.Job
	var applied bool
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("%w: job %s not found", model.ErrInvalidTransition, id)
		}
		if j.State == model.StateCompleted && bytes.Equal(j.Result, result) {
			out, applied = j, false
			return nil
		}
		if j.State != model.StateActive {
			return fmt.Errorf("%w: complete job %s in state %s", model.ErrInvalidTransition, id, j.State)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			unindexJob(ctx, pipe, j)
			j.State, j.Result, j.UpdatedAt = model.StateCompleted, result, now
			pipe.HSet(ctx, jobKey(id), "state", string(j.State), "result", result, "updated_at", now.Format(time.RFC3339Nano))
			indexJob(ctx, pipe, j)
			return nil
		})
		out, applied = j, true
		return err
	}, jobKey(id))
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *Store) Fail(ctx context.Context, id, reason string, now time.Time, next func(attempts, maxAttempts int) (time.Duration, bool)) (*model.Job, error) {
	var out *model.Job
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("%w: job %s not found", model.ErrInvalidTransition, id)
		}
		if j.State != model.StateActive {
			return fmt.Errorf("%w: fail job %s in state %s", model.ErrInvalidTransition, id, j.State)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			unindexJob(ctx, pipe, j)
			j.Attempts++
			j.LastError = reason
			j.UpdatedAt = now
			if delay, retry := next(j.Attempts, j.MaxAttempts); retry {
				j.State = model.StateDelayed
				j.AvailableAt = now.Add(delay)
			} else {
				j.State = model.StateFailed
			}
			pipe.HSet(ctx, jobKey(id), jobToMap(j))
			indexJob(ctx, pipe, j)
			return nil
		})
		out = j
		return err
	}, jobKey(id))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Hold(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	return s.moveExecutionJobs(ctx, executionID, now, model.StatePaused, "", model.StateWaiting, model.StateDelayed)
}

func (s *Store) Abort(ctx context.Context, executionID, reason string, now time.Time) ([]string, error) {
	return s.moveExecutionJobs(ctx, executionID, now, model.StateFailed, reason, model.StateActive)
}

func (s *Store) moveExecutionJobs(ctx context.Context, executionID string, now time.Time, to model.JobState, reason string, from ...model.JobState) ([]string, error) {
	ids, err := s.client.SMembers(ctx, executionJobsKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var moved []string
	for _, id := range ids {
		err := s.watch(ctx, func(tx *goredis.Tx) error {
			j, err := loadJob(ctx, tx, id)
			if err != nil || j == nil || !stateIn(j.State, from) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				unindexJob(ctx, pipe, j)
				j.State, j.UpdatedAt = to, now
				if reason != "" {
					j.LastError = reason
				}
				pipe.HSet(ctx, jobKey(id), "state", string(j.State), "last_error", j.LastError, "updated_at", now.Format(time.RFC3339Nano))
				indexJob(ctx, pipe, j)
				return nil
			})
			if err == nil {
				moved = append(moved, id)
			}
			return err
		}, jobKey(id))
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func stateIn(s model.JobState, states []model.JobState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Store) Discard(ctx context.Context, executionID string) (int, error) {
	setKey := executionJobsKey(executionID)
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := s.watch(ctx, func(tx *goredis.Tx) error {
			j, err := loadJob(ctx, tx, id)
			if err != nil || j == nil || j.State == model.StateCompleted {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				unindexJob(ctx, pipe, j)
				pipe.Del(ctx, jobKey(id))
				pipe.SRem(ctx, jobIDsKey, id)
				pipe.SRem(ctx, setKey, id)
				return nil
			})
			if err == nil {
				n++
			}
			return err
		}, jobKey(id))
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) ListJobs(ctx context.Context, state model.JobState) ([]*model.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := loadJob(ctx, s.client, id)
		if err != nil {
			return nil, err
		}
		if j == nil || (state != "" && j.State != state) {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// Stats reads every counter inside one MULTI so the snapshot is consistent.
func (s *Store) Stats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	var waiting, delayed *goredis.IntCmd
	sets := map[model.JobState]*goredis.IntCmd{}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, waitingKey)
		delayed = pipe.ZCard(ctx, delayedKey)
		for _, st := range []model.JobState{model.StateActive, model.StateCompleted, model.StateFailed, model.StatePaused} {
			sets[st] = pipe.SCard(ctx, stateKey(string(st)))
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Waiting = int(waiting.Val())
	stats.Delayed = int(delayed.Val())
	for st, cmd := range sets {
		stats.Add(st, int(cmd.Val()))
	}
	return stats, nil
}

// ResetQueue deletes every job and index. Development only.
func (s *Store) ResetQueue(ctx context.Context) error {
	for _, pattern := range []string{keyPrefix + "job:*", keyPrefix + "execution:*", keyPrefix + "state:*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, waitingKey, delayedKey, jobIDsKey).Err()
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
