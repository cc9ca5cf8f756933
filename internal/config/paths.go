package config

import (
	"os"
	"path/filepath"
)

const appDirName = ".egpt"

// DataDir returns the base data directory for egpt.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// SettingsPath returns the path to the TOML settings file.
func SettingsPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}

// DatabasePath returns the path to the local bbolt database holding the
// persisted credential and resumable UI state.
func DatabasePath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "egpt.db"), nil
}

// LogPath returns the path to the client log file.
func LogPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "egpt.log"), nil
}
