package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRAINCTL_BACKEND", "redis")
	t.Setenv("TRAINCTL_POLICY_MAX_ATTEMPTS", "5")
	t.Setenv("TRAINCTL_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 5, cfg.Policy.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.OpTimeout)
	assert.True(t, cfg.Policy.RequiredByDefault)
	assert.Equal(t, filepath.Join(".", "trainctl.db"), cfg.DBPath())
}

func TestFileOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "trainctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/trainctl
op_timeout: 2s
policy:
  required_by_default: false
  checkpoint_every: 2
worker:
  count: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/trainctl/trainctl.db", cfg.DBPath())
	assert.Equal(t, 2*time.Second, cfg.OpTimeout)
	assert.False(t, cfg.Policy.RequiredByDefault)
	assert.Equal(t, 2, cfg.Policy.CheckpointEvery)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, "sqlite", cfg.Backend, "unset keys keep their defaults")

	seeds := cfg.Policy.Seeds()
	assert.Equal(t, "false", seeds["required_by_default"])
	assert.Equal(t, "3", seeds["max_attempts"])
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRAINCTL_BACKEND", "postgres")
	_, err := Load("")
	assert.Error(t, err)
}
