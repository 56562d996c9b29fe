package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainctl/internal/backoff"
	"trainctl/internal/config"
	"trainctl/internal/logger"
	"trainctl/internal/model"
	"trainctl/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir:   filepath.Join(t.TempDir(), "data"),
		DBFile:    "trainctl.db",
		Backend:   "sqlite",
		OpTimeout: time.Second,
		Log:       logger.Config{Level: "error", Format: "json", Output: "stderr"},
		Policy: config.Policy{
			MaxAttempts: 4, BackoffStrategy: "linear", BackoffBase: 1, BackoffCapSeconds: 10,
			RequiredByDefault: false, CheckpointEvery: 3,
		},
	}
}

func TestPolicyFromConfigTable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	qcfg, policy, err := a.policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, qcfg.MaxAttempts)
	assert.Equal(t, backoff.Linear{Initial: time.Second, Max: 10 * time.Second}, qcfg.Backoff)
	assert.False(t, policy.RequiredByDefault)
	assert.Equal(t, 3, policy.CheckpointEvery)

	// Values edited in the table survive a restart with different seeds.
	require.NoError(t, a.Store.SetConfig(ctx, store.KeyMaxAttempts, "7"))
	require.NoError(t, a.Close())

	cfg.Policy.MaxAttempts = 2
	b, err := New(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	qcfg, _, err = b.policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, qcfg.MaxAttempts)
}

func TestSubmitAndRunOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Backend = "redis"
	cfg.RedisURL = "redis://" + mr.Addr()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	done := make(chan struct{})
	go func() {
		_ = a.Coordinator.Run(ctx, a.Events)
		close(done)
	}()

	e, err := a.Coordinator.Submit(ctx, model.Workflow{ID: "wf", Stages: []model.Stage{
		{Name: "prep", Type: model.TypeDataPrep, Command: "true"},
		{Name: "train", Type: model.TypeTrain, Command: "true", DependsOn: []string{"prep"}},
	}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		var j *model.Job
		require.Eventually(t, func() bool {
			j, err = a.Queue.Dequeue(ctx, "w")
			return err == nil && j != nil
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, a.Queue.Complete(ctx, j.ID, nil))
	}

	require.Eventually(t, func() bool {
		got, err := a.States.Get(ctx, e.ID)
		return err == nil && got.Status == model.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := a.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	cancel()
	<-done
}
