package engine

import (
	"os"
	"path/filepath"
)

const stopFile = ".trainctl-stop"

// Control is the directory a worker pool and `worker stop` share. A stop
// file there asks running pools to drain; it works the same on every
// platform.
type Control struct {
	Dir string
}

func (c Control) path(name string) string {
	return filepath.Join(c.Dir, name)
}

func (c Control) ShouldStop() bool {
	_, err := os.Stat(c.path(stopFile))
	return err == nil
}

func (c Control) RequestStop() error {
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.path(stopFile), []byte("stop"), 0o644)
}

func (c Control) ClearStop() {
	_ = os.Remove(c.path(stopFile))
}
