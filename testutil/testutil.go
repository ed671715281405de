// Package testutil holds shared helpers for relay tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TempHome points RELAY_HOME at a fresh directory and returns it. Keeping
// the root short matters: unix socket paths have a tight length limit.
func TempHome(t *testing.T) string {
	t.Helper()
	home, err := os.MkdirTemp("", "relay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(home) })
	t.Setenv("RELAY_HOME", home)
	return home
}

// WriteJSONL writes event-log lines to path, replacing any existing file.
func WriteJSONL(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// AppendJSONL appends event-log lines to path.
func AppendJSONL(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

// AssistantLine builds one assistant text record stamped with the current
// time.
func AssistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":%q}]},"timestamp":%q}`,
		text, time.Now().UTC().Format(time.RFC3339))
}

// UserLine builds one user text record stamped with the current time.
func UserLine(text string) string {
	return fmt.Sprintf(`{"type":"user","message":{"role":"user","content":[{"type":"text","text":%q}]},"timestamp":%q}`,
		text, time.Now().UTC().Format(time.RFC3339))
}
