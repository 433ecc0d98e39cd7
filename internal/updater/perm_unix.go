//go:build !windows

package updater

import "os"

// applyExecutableMode marks the downloaded binary runnable.
func applyExecutableMode(path string) error {
	return os.Chmod(path, 0o755)
}
