package queue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainctl/internal/backoff"
	"trainctl/internal/model"
	"trainctl/internal/queue"
	"trainctl/internal/redisstore"
	"trainctl/internal/store"
)

// clock is a manually advanced time source shared by queue and test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendFactory func(t *testing.T) queue.Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"sqlite": func(t *testing.T) queue.Backend {
			st, err := store.NewStore(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return st
		},
		"redis": func(t *testing.T) queue.Backend {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return redisstore.New(client)
		},
	}
}

// eachBackend runs fn against every backend implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, b queue.Backend)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) { fn(t, factory(t)) })
	}
}

func job(id, execution string) *model.Job {
	return &model.Job{ID: id, ExecutionID: execution, WorkflowID: "wf", Stage: id, Type: model.TypeTrain, Payload: []byte(`{"command":"true"}`)}
}

func newQueue(b queue.Backend, c *clock, opts ...queue.Option) *queue.Queue {
	cfg := queue.Config{MaxAttempts: 3, Backoff: backoff.Exponential{Base: 2, Max: time.Minute}, OpTimeout: time.Second}
	return queue.New(b, cfg, append([]queue.Option{queue.WithClock(c.Now)}, opts...)...)
}

func TestEnqueueAndDequeue(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		c := newClock()
		q := newQueue(b, c)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, job("j1", "e1"), queue.EnqueueOptions{}))
		// Enqueueing the same id again is a no-op.
		require.NoError(t, q.Enqueue(ctx, job("j1", "e1"), queue.EnqueueOptions{}))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Waiting: 1}, stats)

		j, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "j1", j.ID)
		assert.Equal(t, model.StateActive, j.State)
		assert.Equal(t, "w1", j.WorkerID)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.JSONEq(t, `{"command":"true"}`, string(j.Payload))

		none, err := q.Dequeue(ctx, "w2")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestEnqueueValidation(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		q := newQueue(b, newClock())
		err := q.Enqueue(context.Background(), &model.Job{ID: "x", ExecutionID: "e", Type: "pretrain"}, queue.EnqueueOptions{})
		assert.ErrorIs(t, err, model.ErrValidation)
		err = q.Enqueue(context.Background(), &model.Job{ExecutionID: "e", Type: model.TypeTrain}, queue.EnqueueOptions{})
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}

func TestPriorityThenAge(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		c := newClock()
		q := newQueue(b, c)
		ctx := context.Background()

		high := 10
		require.NoError(t, q.Enqueue(ctx, job("old-low", "e"), queue.EnqueueOptions{}))
		c.Advance(time.Second)
		require.NoError(t, q.Enqueue(ctx, job("new-low", "e"), queue.EnqueueOptions{}))
		c.Advance(time.Second)
		require.NoError(t, q.Enqueue(ctx, job("high", "e"), queue.EnqueueOptions{Priority: &high}))

		var order []string
		for i := 0; i < 3; i++ {
			j, err := q.Dequeue(ctx, "w")
			require.NoError(t, err)
			require.NotNil(t, j)
			order = append(order, j.ID)
		}
		assert.Equal(t, []string{"high", "old-low", "new-low"}, order)
	})
}

func TestDelayedJobBecomesAvailable(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		c := newClock()
		q := newQueue(b, c)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, job("later", "e"), queue.EnqueueOptions{Delay: 30 * time.Second}))
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Delayed)

		j, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		assert.Nil(t, j)

		c.Advance(31 * time.Second)
		j, err = q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "later", j.ID)
	})
}

func TestClaimIsExclusive(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		q := newQueue(b, newClock())
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("j%02d", i), "e"), queue.EnqueueOptions{}))
		}

		var mu sync.Mutex
		claimed := map[string]string{}
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					j, err := q.Dequeue(ctx, worker)
					if err != nil {
						t.Errorf("dequeue: %v", err)
						return
					}
					if j == nil {
						return
					}
					mu.Lock()
					if prev, dup := claimed[j.ID]; dup {
						t.Errorf("job %s claimed by %s and %s", j.ID, prev, worker)
					}
					claimed[j.ID] = worker
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		assert.Len(t, claimed, 20)
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Active: 20}, stats)
	})
}

func TestCompleteIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		events := make(chan queue.Event, 4)
		q := newQueue(b, newClock(), queue.WithEvents(events))
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, job("j", "e"), queue.EnqueueOptions{}))
		_, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)

		require.NoError(t, q.Complete(ctx, "j", []byte("metrics")))
		require.NoError(t, q.Complete(ctx, "j", []byte("metrics")))
		assert.Len(t, events, 1, "one event per transition")

		err = q.Complete(ctx, "j", []byte("other"))
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
		err = q.Complete(ctx, "missing", nil)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		ev := <-events
		assert.Equal(t, queue.EventCompleted, ev.Kind)
		assert.Equal(t, "e", ev.ExecutionID)
		assert.Equal(t, "metrics", string(ev.Result))
	})
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		c := newClock()
		events := make(chan queue.Event, 8)
		q := newQueue(b, c, queue.WithEvents(events))
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, job("j", "e"), queue.EnqueueOptions{}))

		for attempt := 1; attempt <= 3; attempt++ {
			j, err := q.Dequeue(ctx, "w")
			require.NoError(t, err)
			require.NotNil(t, j, "attempt %d", attempt)

			failed, err := q.Fail(ctx, "j", "cuda oom", queue.FailOptions{})
			require.NoError(t, err)
			assert.Equal(t, attempt, failed.Attempts)
			assert.Equal(t, "cuda oom", failed.LastError)

			if attempt < 3 {
				assert.Equal(t, model.StateDelayed, failed.State)
				delay := time.Duration(1<<attempt) * time.Second
				assert.Equal(t, c.Now().Add(delay), failed.AvailableAt.UTC())

				early, err := q.Dequeue(ctx, "w")
				require.NoError(t, err)
				assert.Nil(t, early, "not claimable before backoff elapses")
				c.Advance(delay)
			} else {
				assert.Equal(t, model.StateFailed, failed.State)
			}
		}

		kinds := []queue.EventKind{}
		for len(events) > 0 {
			kinds = append(kinds, (<-events).Kind)
		}
		assert.Equal(t, []queue.EventKind{queue.EventRetrying, queue.EventRetrying, queue.EventFailed}, kinds)

		_, err := q.Fail(ctx, "j", "again", queue.FailOptions{})
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	})
}

func TestFailNoRetry(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		q := newQueue(b, newClock())
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, job("j", "e"), queue.EnqueueOptions{}))
		_, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)

		j, err := q.Fail(ctx, "j", "bad config", queue.FailOptions{NoRetry: true})
		require.NoError(t, err)
		assert.Equal(t, model.StateFailed, j.State)
		assert.Equal(t, 1, j.Attempts)
	})
}

func TestPauseStopsDispatch(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		q := newQueue(b, newClock())
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("j%d", i), "e"), queue.EnqueueOptions{}))
		}

		require.NoError(t, q.Pause(ctx))
		require.NoError(t, q.Pause(ctx))
		assert.True(t, q.Healthy(ctx))
		paused, err := q.Paused(ctx)
		require.NoError(t, err)
		assert.True(t, paused)

		for i := 0; i < 3; i++ {
			j, err := q.Dequeue(ctx, "w")
			require.NoError(t, err)
			assert.Nil(t, j)
		}
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, stats.Waiting)

		require.NoError(t, q.Resume(ctx))
		require.NoError(t, q.Resume(ctx))
		j, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		assert.NotNil(t, j)
	})
}

func TestHoldAbortDiscard(t *testing.T) {
	eachBackend(t, func(t *testing.T, b queue.Backend) {
		q := newQueue(b, newClock())
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, job("a", "e1"), queue.EnqueueOptions{}))
		require.NoError(t, q.Enqueue(ctx, job("b", "e1"), queue.EnqueueOptions{}))
		require.NoError(t, q.Enqueue(ctx, job("c", "e1"), queue.EnqueueOptions{Delay: time.Hour}))
		require.NoError(t, q.Enqueue(ctx, job("other", "e2"), queue.EnqueueOptions{}))

		active, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, "a", active.ID)

		held, err := q.Hold(ctx, "e1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"b", "c"}, held)

		aborted, err := q.Abort(ctx, "e1", "cancelled")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, aborted)
		a, err := q.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StateFailed, a.State)
		assert.Equal(t, "cancelled", a.LastError)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Waiting: 1, Failed: 1, Paused: 2}, stats)

		// The only dispatchable job belongs to the other execution.
		j, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "other", j.ID)

		n, err := q.Discard(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		gone, err := q.Get(ctx, "b")
		require.NoError(t, err)
		assert.Nil(t, gone)

		listed, err := q.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "other", listed[0].ID)

		require.NoError(t, q.Reset(ctx))
		stats, err = q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total())
	})
}
