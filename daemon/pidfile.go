package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/pkg/pidfile"
	"github.com/docker/docker/pkg/process"
)

// ReadPIDFile returns the PID recorded at path if that process is alive, or
// 0 when the file is missing, malformed or names a dead process.
func ReadPIDFile(path string) (int, error) {
	pid, err := pidfile.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	return pid, nil
}

// WritePIDFile records the current process at path. It refuses to overwrite
// a file naming another live process. The returned release removes the file
// if it still names this process.
func WritePIDFile(path string) (release func(), err error) {
	pid := os.Getpid()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := pidfile.Write(path, pid); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if strings.TrimSpace(string(data)) == strconv.Itoa(pid) {
			os.Remove(path)
		}
	}, nil
}

// Alive reports whether pid names a running process. A zombie waiting to be
// reaped counts as exited.
func Alive(pid int) bool {
	if pid < 1 || !process.Alive(pid) {
		return false
	}
	zombie, err := process.Zombie(pid)
	return err != nil || !zombie
}
