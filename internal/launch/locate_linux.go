//go:build linux

package launch

import "os"

// platformLocate resolves /proc/self/exe, which works inside nearly every
// Linux container and namespace setup, symlinks included.
func platformLocate() (string, bool) {
	path, err := os.Readlink("/proc/self/exe")
	if err != nil || path == "" {
		return "", false
	}
	return path, true
}
