//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

func configDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// xdgDir resolves $env/prospector, falling back to $HOME/<fallback...>/prospector.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "prospector")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "prospector-data"
	}
	return filepath.Join(append(append([]string{home}, fallback...), "prospector")...)
}
