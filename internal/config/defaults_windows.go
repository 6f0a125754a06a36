//go:build windows

package config

import (
	"os"
	"path/filepath"
)

// DefaultSockAddr returns the default loopback TCP address used in place
// of a Unix domain socket on Windows (spec.md §4.1, §6).
func DefaultSockAddr() string {
	return "127.0.0.1:47300"
}

// DefaultSpoolDir returns the platform-default spool directory.
func DefaultSpoolDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "talon", "spool")
	}
	return filepath.Join(os.TempDir(), "talon", "spool")
}
