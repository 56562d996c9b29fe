package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainctl/internal/backoff"
	"trainctl/internal/model"
	"trainctl/internal/queue"
	"trainctl/internal/store"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := store.NewStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := queue.DefaultConfig()
	cfg.Backoff = backoff.Constant{Interval: 0}
	return queue.New(db, cfg)
}

func enqueueCommand(t *testing.T, q *queue.Queue, id, command string, maxAttempts int) {
	t.Helper()
	payload, err := json.Marshal(model.Payload{Command: command, Params: map[string]string{"learning-rate": "0.1"}})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &model.Job{
		ID: id, ExecutionID: "exec", Stage: id, Type: model.TypeTrain, Payload: payload, MaxAttempts: maxAttempts,
	}, queue.EnqueueOptions{}))
}

func runWorker(t *testing.T, q *queue.Queue, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker("w1", q, ShellRunner{}, nil, 20*time.Millisecond, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, until, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestWorkerCompletesJobWithOutput(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "ok", `echo "$TRAINCTL_STAGE $TRAINCTL_PARAM_LEARNING_RATE"`, 3)

	runWorker(t, q, func() bool {
		j, _ := q.Get(context.Background(), "ok")
		return j != nil && j.State == model.StateCompleted
	})

	j, err := q.Get(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok 0.1\n", string(j.Result))
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, "w1", j.WorkerID)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "bad", "echo boom >&2; exit 3", 2)

	runWorker(t, q, func() bool {
		j, _ := q.Get(context.Background(), "bad")
		return j != nil && j.State == model.StateFailed
	})

	j, err := q.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, 2, j.Attempts)
	assert.Contains(t, j.LastError, "boom")
}

func TestMissingCommandFailsWithoutRetry(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "empty", "  ", 5)

	runWorker(t, q, func() bool {
		j, _ := q.Get(context.Background(), "empty")
		return j != nil && j.State == model.StateFailed
	})
	j, err := q.Get(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)
}

type countingDispatcher struct {
	mu      sync.Mutex
	claims  int
	pending []*model.Job
	done    []string
}

func (d *countingDispatcher) Dequeue(ctx context.Context, workerID string) (*model.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claims++
	if len(d.pending) == 0 {
		return nil, nil
	}
	j := d.pending[0]
	d.pending = d.pending[1:]
	return j, nil
}

func (d *countingDispatcher) Complete(ctx context.Context, jobID string, result []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = append(d.done, jobID)
	return nil
}

func (d *countingDispatcher) Fail(ctx context.Context, jobID, reason string, opts queue.FailOptions) (*model.Job, error) {
	return nil, errors.New("unexpected failure")
}

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, j *model.Job) ([]byte, error) { return nil, nil }

func TestPoolStopsOnStopFile(t *testing.T) {
	d := &countingDispatcher{pending: []*model.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	control := Control{Dir: t.TempDir()}
	p := NewPool(PoolConfig{Size: 2, Poll: 10 * time.Millisecond}, d, nopRunner{}, control, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.done) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		pid, err := control.ReadPID()
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, control.RequestStop())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.False(t, control.ShouldStop(), "stop file cleared after drain")
	_, err := control.ReadPID()
	assert.Error(t, err, "pid file removed")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "LEARNING_RATE", envName("learning-rate"))
	assert.Equal(t, "EPOCHS2", envName("epochs2"))
}

// flakyDispatcher fails the first reports with a transient queue error.
type flakyDispatcher struct {
	*queue.Queue
	mu            sync.Mutex
	completeFails int
	failFails     int
	completes     int
	fails         int
}

func (d *flakyDispatcher) Complete(ctx context.Context, jobID string, result []byte) error {
	d.mu.Lock()
	d.completes++
	flaky := d.completes <= d.completeFails
	d.mu.Unlock()
	if flaky {
		return fmt.Errorf("%w: complete: connection reset", model.ErrQueueUnavailable)
	}
	return d.Queue.Complete(ctx, jobID, result)
}

func (d *flakyDispatcher) Fail(ctx context.Context, jobID, reason string, opts queue.FailOptions) (*model.Job, error) {
	d.mu.Lock()
	d.fails++
	flaky := d.fails <= d.failFails
	d.mu.Unlock()
	if flaky {
		return nil, fmt.Errorf("%w: fail: connection reset", model.ErrQueueUnavailable)
	}
	return d.Queue.Fail(ctx, jobID, reason, opts)
}

func (d *flakyDispatcher) calls() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completes, d.fails
}

func startWorker(t *testing.T, d Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker("w1", d, ShellRunner{}, nil, 20*time.Millisecond, zerolog.Nop())
	w.report = backoff.Constant{Interval: 10 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestCompleteRetriedWhileQueueUnavailable(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "ok", "echo trained", 3)
	d := &flakyDispatcher{Queue: q, completeFails: 2}
	startWorker(t, d)

	require.Eventually(t, func() bool {
		j, _ := q.Get(context.Background(), "ok")
		return j != nil && j.State == model.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	completes, _ := d.calls()
	assert.Equal(t, 3, completes)
	j, err := q.Get(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "trained\n", string(j.Result))
}

func TestFailRetriedWhileQueueUnavailable(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "bad", "exit 1", 1)
	d := &flakyDispatcher{Queue: q, failFails: 1}
	startWorker(t, d)

	require.Eventually(t, func() bool {
		j, _ := q.Get(context.Background(), "bad")
		return j != nil && j.State == model.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	_, fails := d.calls()
	assert.Equal(t, 2, fails)
	j, err := q.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts, "the transient error did not count as an attempt")
}

func TestShutdownStopsReportRetries(t *testing.T) {
	q := newQueue(t)
	enqueueCommand(t, q, "ok", "true", 3)
	d := &flakyDispatcher{Queue: q, completeFails: 1 << 30}
	cancel := startWorker(t, d)

	require.Eventually(t, func() bool {
		completes, _ := d.calls()
		return completes >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	// Once the worker has exited the job is left for reconcile after restart.
	time.Sleep(50 * time.Millisecond)
	before, _ := d.calls()
	time.Sleep(50 * time.Millisecond)
	after, _ := d.calls()
	assert.Equal(t, before, after)
	j, err := q.Get(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, j.State)
}
