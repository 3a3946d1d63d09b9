package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Settings is the per-user settings file: where binaries are cached and how
// to reach the cloud backend. Environment variables override file values.
type Settings struct {
	// BinaryCacheDir holds downloaded emulator binaries.
	BinaryCacheDir string `toml:"binary_cache_dir"`

	// CloudEndpoint is the release backend base URL.
	CloudEndpoint string `toml:"cloud_endpoint"`

	// AuthToken authenticates backend calls.
	AuthToken string `toml:"auth_token"`

	// EmulatorBaseURL overrides the emulator distribution root.
	EmulatorBaseURL string `toml:"emulator_base_url"`

	// DaemonSocket overrides the container daemon socket path.
	DaemonSocket string `toml:"daemon_socket"`
}

// LoadSettings reads ~/.stackfreight/settings.toml, filling defaults for a
// missing file and applying STACKFREIGHT_* environment overrides.
func LoadSettings() (*Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return loadSettingsFrom(filepath.Join(home, ".stackfreight", "settings.toml"), home)
}

func loadSettingsFrom(path, home string) (*Settings, error) {
	s := &Settings{
		BinaryCacheDir: filepath.Join(home, ".stackfreight", "bin"),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, err
	default:
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("STACKFREIGHT_ENDPOINT"); v != "" {
		s.CloudEndpoint = v
	}
	if v := os.Getenv("STACKFREIGHT_TOKEN"); v != "" {
		s.AuthToken = v
	}
	if v := os.Getenv("STACKFREIGHT_CACHE_DIR"); v != "" {
		s.BinaryCacheDir = v
	}
	if v := os.Getenv("STACKFREIGHT_DAEMON_SOCKET"); v != "" {
		s.DaemonSocket = v
	}
	return s, nil
}
