package errors

import (
	"fmt"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *RelayError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *RelayError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// SessionNotFound creates a session not found error
func SessionNotFound(id string) *RelayError {
	return New(ErrCodeNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("sessionId", id)
}

// SpawnFailed creates a spawn failure error
func SpawnFailed(command string, err error) *RelayError {
	return Wrap(err, ErrCodeSpawnFailed, fmt.Sprintf("failed to spawn runner: %s", command)).
		WithDetail("command", command)
}

// DirNotAllowed creates a working-directory policy rejection error
func DirNotAllowed(dir string) *RelayError {
	return New(ErrCodeDirNotAllowed, fmt.Sprintf("directory '%s' is not in the allowed set", dir)).
		WithDetail("dir", dir)
}

// SessionLimit creates a concurrent-session limit error
func SessionLimit(limit int) *RelayError {
	return New(ErrCodeSessionLimit, fmt.Sprintf("maximum of %d concurrent sessions reached", limit)).
		WithDetail("limit", limit)
}

// DiskIO wraps a state-file read/write failure
func DiskIO(path string, err error) *RelayError {
	return Wrap(err, ErrCodeDiskIO, fmt.Sprintf("state file I/O failed: %s", path)).
		WithDetail("path", path)
}
