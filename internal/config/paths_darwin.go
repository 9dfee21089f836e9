//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func appSupportDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "prospector-data"
	}
	return filepath.Join(home, "Library", "Application Support", "prospector")
}

func defaultDataDir() string { return appSupportDir() }

func configDir() string { return appSupportDir() }
