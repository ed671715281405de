package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/pkg/atomicfile"
	"github.com/moby/patternmatcher"
)

// SettingsVersion is the current settings document version.
const SettingsVersion = 1

// Settings is the user-policy document persisted as settings.json.
type Settings struct {
	Version int `json:"version" jsonschema:"required"`

	// AllowedDirectories are patterns a session's working directory must
	// match for a user-initiated start. Empty means any directory.
	AllowedDirectories []string `json:"allowedDirectories"`

	// DefaultDirectory is used when a start request names no directory.
	DefaultDirectory string `json:"defaultDirectory,omitempty"`

	// AutoCleanupOrphans enables killing still-alive orphaned runners
	// after each health pass.
	AutoCleanupOrphans bool `json:"autoCleanupOrphans"`

	// MaxConcurrentSessions bounds active sessions; 0 means unlimited.
	MaxConcurrentSessions int `json:"maxConcurrentSessions,omitempty"`

	// TerminalApp names the macOS terminal emulator for attached starts
	// ("Terminal" or "iTerm2").
	TerminalApp string `json:"terminalApp,omitempty"`
}

// DefaultSettings returns the settings applied when no document exists.
func DefaultSettings() *Settings {
	return &Settings{
		Version:            SettingsVersion,
		AllowedDirectories: []string{},
		AutoCleanupOrphans: false,
	}
}

// LoadSettings reads settings.json from path. A missing file yields the
// defaults; a malformed file is an error.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, errors.DiskIO(path, err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse settings").
			WithDetail("path", path)
	}
	if s.Version == 0 {
		s.Version = SettingsVersion
	}
	return &s, nil
}

// SaveSettings writes the document atomically.
func SaveSettings(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal settings")
	}
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return errors.DiskIO(path, err)
	}
	return nil
}

// DirAllowed reports whether dir is permitted by AllowedDirectories.
// Patterns follow dockerignore-style matching; a bare directory entry also
// allows everything beneath it.
func (s *Settings) DirAllowed(dir string) bool {
	if len(s.AllowedDirectories) == 0 {
		return true
	}

	dir = filepath.Clean(dir)
	patterns := make([]string, 0, len(s.AllowedDirectories)*2)
	for _, p := range s.AllowedDirectories {
		p = filepath.Clean(p)
		patterns = append(patterns, p)
		if !strings.ContainsAny(p, "*?[") {
			patterns = append(patterns, filepath.Join(p, "**"))
		}
	}

	matched, err := patternmatcher.Matches(dir, patterns)
	if err != nil {
		return false
	}
	return matched
}
