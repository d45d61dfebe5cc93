// Package config provides configuration loading for the syncd CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/carebridge/patient-sync/internal/connector"
)

// Config is the syncd runtime configuration, loaded from a YAML file with
// environment overrides for secrets.
type Config struct {
	Source SourceConfig `yaml:"source"`
	Sink   SinkConfig   `yaml:"sink"`

	// CheckpointInterval in emitted records; 0 keeps the connector default.
	CheckpointInterval int `yaml:"checkpoint_interval"`
}

// SourceConfig mirrors the connector's configuration map. All values are
// strings because the connector resolves defaults and types itself.
type SourceConfig struct {
	BaseURL    string `yaml:"base_url"`
	Credential string `yaml:"credential"`
	AuthHeader string `yaml:"auth_header"`
	PageSize   string `yaml:"page_size"`
}

// Map renders the source config as the connector configuration mapping,
// omitting unset optional keys so connector defaults apply.
func (s SourceConfig) Map() map[string]string {
	cfg := map[string]string{}
	if s.Credential != "" {
		cfg[connector.KeyCredential] = s.Credential
	}
	if s.BaseURL != "" {
		cfg[connector.KeyBaseURL] = s.BaseURL
	}
	if s.AuthHeader != "" {
		cfg[connector.KeyAuthHeader] = s.AuthHeader
	}
	if s.PageSize != "" {
		cfg[connector.KeyPageSize] = s.PageSize
	}
	return cfg
}

// SinkConfig selects and configures the destination sink.
type SinkConfig struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
}

// Load reads and validates the configuration file at the given path.
// CB_CREDENTIAL overrides the file's source credential so secrets can stay
// out of config files.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("CB_CREDENTIAL"); v != "" {
		cfg.Source.Credential = v
	}

	if cfg.Sink.Type == "" {
		return nil, fmt.Errorf("sink.type is required")
	}
	if cfg.Sink.Options == nil {
		cfg.Sink.Options = map[string]any{}
	}
	if cfg.CheckpointInterval < 0 {
		return nil, fmt.Errorf("checkpoint_interval must not be negative")
	}

	return &cfg, nil
}
