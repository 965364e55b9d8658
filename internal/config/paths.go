package config

import (
	"os"
	"path/filepath"
)

// MALPath returns the root directory for MAL data.
// It uses $MAL_PATH if set, otherwise defaults to ~/.mal.
func MALPath() string {
	if v := os.Getenv("MAL_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mal")
	}
	return filepath.Join(home, ".mal")
}

// ConfigPath returns the path to the MAL config file.
func ConfigPath() string {
	return filepath.Join(MALPath(), "config.jsonc")
}

// DotenvPath returns the path to the MAL .env file.
func DotenvPath() string {
	return filepath.Join(MALPath(), ".env")
}

// HeartbeatPath returns the path of the daemon heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(MALPath(), "mal.heartbeat")
}
