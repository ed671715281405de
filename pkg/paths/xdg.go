// Package paths provides XDG-compliant path resolution for the relay daemon.
//
// Resolution order:
// 1. RELAY_HOME (portable root) → $RELAY_HOME/{config,state,run}
// 2. XDG env vars → $XDG_*_HOME/relay
// 3. Platform defaults → ~/.config/relay, ~/.local/state/relay
package paths

import (
	"os"
	"path/filepath"
)

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if relayHome := os.Getenv("RELAY_HOME"); relayHome != "" {
		return filepath.Join(relayHome, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if relayHome := os.Getenv("RELAY_HOME"); relayHome != "" {
		return filepath.Join(relayHome, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the relay configuration root.
// Holds relay.toml/relay.yml plus the three JSON state documents
// (registry.json, mappings.json, settings.json).
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, "relay")
}

// StateDir returns the relay state directory. Used for logs and the pid file.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, "relay")
}

// RuntimeDir returns the directory for sockets and pipes.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if relayHome := os.Getenv("RELAY_HOME"); relayHome != "" {
		return filepath.Join(relayHome, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "relay")
	}
	return StateDir()
}

// SocketPath returns the path to the relay daemon unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "relayd.sock")
}

// PidFilePath returns the path to the relay daemon PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "relayd.pid")
}

// RegistryPath returns the path to the persisted session registry document.
func RegistryPath() string {
	return filepath.Join(ConfigDir(), "registry.json")
}

// MappingsPath returns the path to the session-to-thread mapping document.
func MappingsPath() string {
	return filepath.Join(ConfigDir(), "mappings.json")
}

// SettingsPath returns the path to the user settings document.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

// LogFilePath returns the path of the daemon's own log file.
func LogFilePath() string {
	return filepath.Join(StateDir(), "relayd.log")
}

// EnsureDirs creates all relay directories if they don't exist.
func EnsureDirs() error {
	dirs := []string{
		ConfigDir(),
		StateDir(),
		RuntimeDir(),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
