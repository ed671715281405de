package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/chatbridge/relay/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")

	require.NoError(t, Acquire(path))

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := IsRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Release(path))

	running, _, err = IsRunning(path)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestAcquireRejectsLivePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	err := Acquire(path)
	require.Error(t, err, "a live pid in the file must block acquisition")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyRunning))
}

func TestAcquireReplacesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0644))

	require.NoError(t, Acquire(path), "a stale pid must be replaced")

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireReplacesMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	require.NoError(t, Acquire(path))

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadMissingFileIsNotFound(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "relayd.pid"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestReadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0644))

	_, err := Read(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestReleaseMissingFileIsNoop(t *testing.T) {
	require.NoError(t, Release(filepath.Join(t.TempDir(), "relayd.pid")))
}
