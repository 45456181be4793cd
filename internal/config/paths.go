package config

import (
	"os"
	"path/filepath"
)

// UserConfigDir returns ~/.perch, creating nothing.
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".perch"), nil
}

// DefaultConfigPath returns ~/.perch/config.yaml.
func DefaultConfigPath() string {
	dir, err := UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// EnsureConfigDir creates the user config directory if needed.
func EnsureConfigDir() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
