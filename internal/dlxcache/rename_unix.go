//go:build !windows

package dlxcache

import "os"

// renameReplacing is an atomic rename on POSIX filesystems: os.Rename maps
// directly to rename(2), which always replaces an existing destination.
func renameReplacing(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}
