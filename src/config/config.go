// Package config loads the two configuration layers: the per-project
// deploy configuration (YAML, checked into the repo) and the per-user
// settings file (TOML, under the home directory).
package config

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = ".stackfreight.yml"

// Config is the top-level per-project deploy configuration.
type Config struct {
	// Application is the cloud application identity releases attach to.
	Application string `yaml:"application"`

	// Arch is the target device CPU identifier (armv7hf, aarch64, ...).
	Arch string `yaml:"arch"`

	// Composition is the path of the normalized composition document.
	Composition string `yaml:"composition"`

	Build BuildConfig `yaml:"build"`
}

// BuildConfig holds daemon-facing build options.
type BuildConfig struct {
	BuildArgs  map[string]string `yaml:"build_args"`
	NoCache    bool              `yaml:"nocache"`
	Pull       bool              `yaml:"pull"`
	ConvertEOL bool              `yaml:"convert_eol"`

	// SkipLogUpload omits build logs from persisted image records.
	SkipLogUpload bool `yaml:"skip_log_upload"`
}

// Load reads configuration from a YAML file.
// If path is empty, it tries the default file.
// Returns sensible defaults if the file doesn't exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults(), nil
		}
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Composition: "stack.yml",
	}
}
