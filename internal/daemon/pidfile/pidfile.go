// Package pidfile guards single-instance daemon startup. The recorded pid
// is probed with the same signal-0 liveness check the supervisor uses for
// runners, and the file is written through the atomic-replace path shared
// by every other persisted state document.
package pidfile

import (
	"os"
	"strconv"
	"strings"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/pkg/atomicfile"
	"github.com/chatbridge/relay/pkg/process"
)

// Acquire claims the pid file for the current process. A live pid already
// recorded there blocks acquisition; a stale or unreadable one is simply
// replaced, since the atomic write supersedes it in one rename.
func Acquire(path string) error {
	if pid, err := Read(path); err == nil && process.IsProcessAlive(pid) {
		return errors.New(errors.ErrCodeAlreadyRunning, "daemon already running").
			WithDetail("pid", pid).WithDetail("path", path)
	}

	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return errors.DiskIO(path, err)
	}
	return nil
}

// Release removes the pid file. A file already gone is not an error; a
// crashed previous run may never have cleaned up.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.DiskIO(path, err)
	}
	return nil
}

// Read returns the recorded pid. A missing file surfaces as NotFound so
// callers can distinguish "never started" from a corrupt or unreadable
// file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New(errors.ErrCodeNotFound, "no pid file").WithDetail("path", path)
		}
		return 0, errors.DiskIO(path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed pid file").
			WithDetail("path", path)
	}
	return pid, nil
}

// IsRunning reports whether the daemon described by the pid file is
// alive. A missing pid file means not running.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return process.IsProcessAlive(pid), pid, nil
}
