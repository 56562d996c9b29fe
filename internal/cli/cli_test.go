package cli

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitStatusAndCancel(t *testing.T) {
	t.Setenv("TRAINCTL_DATA_DIR", t.TempDir())
	t.Setenv("TRAINCTL_LOG_LEVEL", "error")

	out, err := run(t, `
id: bert
stages:
  - {name: prep, type: data_prep, command: "true"}
  - {name: train, type: train, command: "true", depends_on: [prep]}
`, "submit", "-")
	require.NoError(t, err)
	m := regexp.MustCompile(`Execution (\S+) submitted \(2 stages, 1 enqueued\)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Regexp(t, `waiting\s+1`, out)
	assert.Regexp(t, `total\s+1`, out)

	out, err = run(t, "", "list", "--state", "waiting")
	require.NoError(t, err)
	assert.Contains(t, out, id+"/prep")

	_, err = run(t, "", "list", "--state", "pending")
	assert.Error(t, err)

	out, err = run(t, "", "execution", "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "status     running")
	assert.Contains(t, out, "0/2 completed")

	out, err = run(t, "", "execution", "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "status     cancelled")

	out, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Regexp(t, `paused\s+1`, out)
}

func TestConfigSetValidates(t *testing.T) {
	t.Setenv("TRAINCTL_DATA_DIR", t.TempDir())
	t.Setenv("TRAINCTL_LOG_LEVEL", "error")

	_, err := run(t, "", "config", "set", "max_attempts", "zero")
	assert.Error(t, err)
	_, err = run(t, "", "config", "set", "paused", "true")
	assert.Error(t, err)

	_, err = run(t, "", "config", "set", "max_attempts", "5")
	require.NoError(t, err)
	out, err := run(t, "", "config", "get", "max_attempts")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)

	out, err = run(t, "", "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "backoff_strategy")
}

func TestQueuePauseResume(t *testing.T) {
	t.Setenv("TRAINCTL_DATA_DIR", t.TempDir())
	t.Setenv("TRAINCTL_LOG_LEVEL", "error")

	out, err := run(t, "", "queue", "pause")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue paused.")
	out, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "paused=true")

	_, err = run(t, "", "queue", "resume")
	require.NoError(t, err)
	out, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "paused=false")
}
