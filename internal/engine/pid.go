package engine

import (
	"os"
	"strconv"
	"strings"
)

const pidFile = ".trainctl-pid"

func (c Control) WritePID(pid int) error {
	return os.WriteFile(c.path(pidFile), []byte(strconv.Itoa(pid)), 0o644)
}

// ReadPID returns the pid of the running pool.
func (c Control) ReadPID() (int, error) {
	b, err := os.ReadFile(c.path(pidFile))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (c Control) RemovePID() {
	_ = os.Remove(c.path(pidFile))
}
