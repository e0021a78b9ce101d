// internal/config/discover.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath returns the XDG-compliant default config path.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "./konvert.toml"
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "konvert", "config.toml")
}

// Discover finds the config file using the standard search order.
// Search order:
//  1. KONVERT_CONFIG environment variable
//  2. ./konvert.toml (current directory)
//  3. $XDG_CONFIG_HOME/konvert/config.toml
//  4. /etc/konvert/config.toml
func Discover() (string, error) {
	// 1. Check KONVERT_CONFIG env var
	if envPath := os.Getenv("KONVERT_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("KONVERT_CONFIG=%s: %w", envPath, err)
		}
		return envPath, nil
	}

	// Build search paths
	paths := []string{
		"./konvert.toml",
		DefaultPath(),
		"/etc/konvert/config.toml",
	}

	// 2-4. Check each path
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("config not found, checked: %s", formatPaths(paths))
}

func formatPaths(paths []string) string {
	return strings.Join(paths, ", ")
}
