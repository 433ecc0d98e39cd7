//go:build windows

package updater

// Windows derives executability from the file extension.
func applyExecutableMode(string) error { return nil }
