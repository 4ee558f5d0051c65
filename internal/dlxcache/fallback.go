package dlxcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteFallback writes data to a throwaway directory under the OS temp
// directory, embedding key in its name. It is used when Write fails because
// the cache base is unwritable (read-only filesystem, EACCES); the result is
// ephemeral and deliberately has no metadata file.
func WriteFallback(key string, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "socketsecurity-node-"+key+"-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCannotMaterialize, err)
	}
	path := filepath.Join(dir, BinaryName())
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCannotMaterialize, err)
	}
	return path, nil
}

// staleTmpAge is how old an orphaned tmp-file must be before SweepStaleTmp
// removes it. A stub killed mid-decompression leaves its tmp file behind;
// the next run passing through the same key directory cleans it up.
const staleTmpAge = time.Hour

// SweepStaleTmp best-effort removes orphaned "<binary>.tmp.<pid>" files
// older than staleTmpAge from a cache entry's directory.
func SweepStaleTmp(base, key string) {
	dir := EntryDir(base, key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleTmpAge)
	prefix := BinaryName() + ".tmp."
	metaPrefix := metadataFileName + ".tmp."
	for _, e := range entries {
		name := e.Name()
		if len(name) < len(prefix) && len(name) < len(metaPrefix) {
			continue
		}
		isTmp := hasPrefix(name, prefix) || hasPrefix(name, metaPrefix)
		if !isTmp {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
