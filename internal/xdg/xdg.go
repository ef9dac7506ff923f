// Package xdg provides XDG Base Directory Specification compliant paths
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "stackup"

// ConfigDir returns the XDG config directory for stackup
// Priority: XDG_CONFIG_HOME > ~/.config/stackup
func ConfigDir() (string, error) {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// StateDir returns the directory holding the run report, history database and lock.
// Root runs use /var/lib/stackup so that every operator sees the same state;
// otherwise XDG_STATE_HOME > ~/.local/state/stackup.
func StateDir() (string, error) {
	if os.Geteuid() == 0 && os.Getenv("XDG_STATE_HOME") == "" {
		return filepath.Join("/var/lib", appName), nil
	}
	if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
		return filepath.Join(xdgState, appName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "state", appName), nil
}

// CacheDir returns the XDG cache directory used for downloaded artifacts
// Priority: XDG_CACHE_HOME > ~/.cache/stackup
func CacheDir() (string, error) {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, appName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cache", appName), nil
}
