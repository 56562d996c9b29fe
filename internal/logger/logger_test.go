package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "out.log")
	l, closer, err := New(Config{Level: "debug", Format: "json", Output: "file", File: path})
	require.NoError(t, err)
	l.Info().Str("job", "j1").Msg("hello")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"job":"j1"`)
	assert.Contains(t, string(b), `"message":"hello"`)
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Config{Level: "info", Output: "syslog"})
	assert.Error(t, err)
}
