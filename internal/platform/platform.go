// Package platform holds the few host-specific lookups the fleet tools need:
// where to keep data and how to identify the machine.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
)

// IsRoot reports whether the process runs with an effective UID of 0.
// Always false on Windows.
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == 0
}

// DataDir returns the directory for the fleet database and config file.
// Root uses a system-wide path, everyone else a per-user one.
func DataDir() string {
	if !IsRoot() {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".citadel-fleet")
		}
	}

	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/var/citadel-fleet"
	case "windows":
		return `C:\ProgramData\CitadelFleet`
	default:
		return "/var/lib/citadel-fleet"
	}
}
