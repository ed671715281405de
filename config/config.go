// Package config loads the relay daemon configuration file and the
// user-policy settings document.
//
// The daemon config file (relay.toml or relay.yml in the config root) holds
// tunables: logging, intervals, delays. The settings document
// (settings.json) holds user policy: allowed directories, orphan cleanup,
// terminal app. Settings are written by the daemon and edited by tooling;
// the config file is only ever read.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/logging"
	"github.com/chatbridge/relay/pkg/paths"
	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DaemonConfig holds runtime tunables. Zero values fall back to the
// defaults the rest of the daemon assumes.
type DaemonConfig struct {
	// HealthCheckInterval between supervisor passes. Default 60s.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" toml:"health_check_interval"`
	// TailPollInterval is the backstop poll of the event-log tailer. Default 2s.
	TailPollInterval time.Duration `yaml:"tail_poll_interval" toml:"tail_poll_interval"`
	// QuiesceDelay is how long a file must be write-quiet before the
	// fsnotify path processes it. Default 100ms.
	QuiesceDelay time.Duration `yaml:"quiesce_delay" toml:"quiesce_delay"`
	// InputCommitDelay between an input frame and its trailing carriage
	// return. Default 100ms.
	InputCommitDelay time.Duration `yaml:"input_commit_delay" toml:"input_commit_delay"`
	// Retention is how long terminal session records are kept. Default 24h.
	Retention time.Duration `yaml:"retention" toml:"retention"`
}

// Config is the parsed daemon configuration file.
type Config struct {
	Logging logging.Config `yaml:"logging" toml:"logging"`
	Daemon  DaemonConfig   `yaml:"daemon" toml:"daemon"`

	// Extensions carries top-level sections this package does not model,
	// decoded on demand with UnmarshalExtension.
	Extensions map[string]interface{} `yaml:"-" toml:"-"`
}

// Defaults returns a Config with every daemon tunable at its default.
func Defaults() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HealthCheckInterval: 60 * time.Second,
			TailPollInterval:    2 * time.Second,
			QuiesceDelay:        100 * time.Millisecond,
			InputCommitDelay:    100 * time.Millisecond,
			Retention:           24 * time.Hour,
		},
	}
}

// knownSections are the top-level keys decoded into typed fields.
var knownSections = map[string]bool{"logging": true, "daemon": true}

// Load reads and parses a relay configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}
	return LoadFromBytes(data, strings.HasSuffix(path, ".toml"))
}

// LoadDefault loads relay.toml or relay.yml from the config root, falling
// back to built-in defaults when neither exists.
func LoadDefault() (*Config, error) {
	root := paths.ConfigDir()
	for _, name := range []string{"relay.toml", "relay.yml", "relay.yaml"} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Defaults(), nil
}

// LoadFromBytes parses config data. isTOML selects the decoder; otherwise
// YAML is assumed.
func LoadFromBytes(data []byte, isTOML bool) (*Config, error) {
	raw := map[string]interface{}{}
	var err error
	if isTOML {
		err = toml.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config file")
	}

	cfg := Defaults()
	if err := decodeSection(raw["logging"], &cfg.Logging); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid logging section")
	}
	if err := decodeSection(raw["daemon"], &cfg.Daemon); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid daemon section")
	}

	for key, value := range raw {
		if knownSections[key] {
			continue
		}
		if cfg.Extensions == nil {
			cfg.Extensions = make(map[string]interface{})
		}
		cfg.Extensions[key] = value
	}

	return cfg, nil
}

// UnmarshalExtension decodes an unmodeled config section into target.
// A missing key is not an error; target simply stays zero-valued.
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		return nil
	}
	if err := decodeSection(extensionConfig, target); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}
	return nil
}

// decodeSection decodes a generic map into a strongly-typed struct using
// mapstructure with yaml tag names, so TOML and YAML files share one set
// of field names.
func decodeSection(raw interface{}, target interface{}) error {
	if raw == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     target,
		TagName:    "yaml",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}
	return decoder.Decode(raw)
}
