// Package dlxcache implements the content-addressed download/extract cache
// shared by the injection tool and the stub: a directory per cache key
// holding the extracted inner-runtime binary and a JSON metadata record.
//
// Writers coordinate purely through the filesystem — a tmp-file-with-pid
// plus fsync plus atomic rename — so two stubs racing on the same key both
// succeed, following the read-modify-write shape used by the corpus's own
// content-addressed caches (funxy's ext-cache, dalec's build caches).
package dlxcache

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// BinaryName is the name of the inner runtime entry within a cache
// directory: "node" on POSIX, "node.exe" on Windows. The cache treats this
// as an opaque contract, not something it interprets.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "node.exe"
	}
	return "node"
}

const metadataFileName = ".dlx-metadata.json"

// Source describes where a cache entry's bytes originated.
type Source struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// UpdateCheckState is the update-check side-protocol's persisted timestamps.
type UpdateCheckState struct {
	LastCheck        int64  `json:"last_check"`
	LastNotification int64  `json:"last_notification"`
	LatestKnown      string `json:"latest_known,omitempty"`
}

// Metadata is the on-disk .dlx-metadata.json schema. Unknown top-level
// fields round-trip through Extra so a future writer's fields survive a
// read-modify-write by an older binary.
type Metadata struct {
	Version      int              `json:"version"`
	CacheKey     string           `json:"cache_key"`
	Timestamp    int64            `json:"timestamp"`
	Integrity    string           `json:"integrity"`
	Source       Source           `json:"source"`
	UpdateCheck  UpdateCheckState `json:"update_check"`
	Extra        map[string]json.RawMessage `json:"-"`
}

const currentMetadataVersion = 1

var (
	ErrCachePermissionDenied = errors.New("dlxcache: permission denied")
	ErrCacheFsReadOnly       = errors.New("dlxcache: filesystem is read-only")
	ErrIntegrityMismatch     = errors.New("dlxcache: integrity mismatch")
	ErrCannotMaterialize     = errors.New("dlxcache: could not materialize entry anywhere")
)

// BaseDir resolves the cache's base directory: SOCKET_DLX_DIR, else
// SOCKET_HOME/_dlx, else HOME/.socket/_dlx, else a user-specific fallback
// under the OS temp directory.
func BaseDir() string {
	if d := os.Getenv("SOCKET_DLX_DIR"); d != "" {
		return d
	}
	if h := os.Getenv("SOCKET_HOME"); h != "" {
		return filepath.Join(h, "_dlx")
	}
	if h := os.Getenv("HOME"); h != "" {
		return filepath.Join(h, ".socket", "_dlx")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("socketsecurity-dlx-%d", os.Getuid()))
}

// EntryDir returns <base>/<key>.
func EntryDir(base, key string) string {
	return filepath.Join(base, key)
}

// BinaryPath returns <base>/<key>/<binary>.
func BinaryPath(base, key string) string {
	return filepath.Join(EntryDir(base, key), BinaryName())
}

func metadataPath(base, key string) string {
	return filepath.Join(EntryDir(base, key), metadataFileName)
}

// IntegrityOf returns the canonical integrity string for decompressed bytes:
// "sha512-<hex>", matching the cache's recorded format.
func IntegrityOf(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + hex.EncodeToString(sum[:])
}

// Lookup returns the path to a valid cache entry for key, or "" if the
// entry is absent, size-mismatched, or integrity-mismatched. A
// metadata-but-no-binary or binary-but-no-metadata state is treated as
// absent, per spec.
func Lookup(base, key string, expectedSize uint64) (string, error) {
	binPath := BinaryPath(base, key)
	metaPath := metadataPath(base, key)

	info, err := os.Stat(binPath)
	if err != nil {
		return "", nil
	}
	if uint64(info.Size()) != expectedSize {
		return "", nil
	}

	meta, err := readMetadata(metaPath)
	if err != nil {
		return "", nil
	}

	data, err := os.ReadFile(binPath)
	if err != nil {
		return "", nil
	}
	if IntegrityOf(data) != meta.Integrity {
		return "", nil
	}
	return binPath, nil
}

// Write materializes bytes at <base>/<key>/<binary> and writes matching
// metadata, both via tmp-file + fsync + atomic rename. On any step failure
// it best-effort deletes its tmp files and returns the error so the caller
// can fall back to a temp-directory extraction.
func Write(base, key string, data []byte, source Source, integrity string) error {
	dir := EntryDir(base, key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return classifyFsError(err)
	}

	binPath := filepath.Join(dir, BinaryName())
	if err := atomicWriteChunked(binPath, data, 0o755); err != nil {
		return err
	}

	meta := Metadata{
		Version:   currentMetadataVersion,
		CacheKey:  key,
		Timestamp: time.Now().UnixMilli(),
		Integrity: integrity,
		Source:    source,
	}
	return writeMetadata(metadataPath(base, key), &meta)
}

// ReadUpdateCheckState returns the persisted update-check timestamps for
// key, or a zero value if no metadata exists yet.
func ReadUpdateCheckState(base, key string) (UpdateCheckState, error) {
	meta, err := readMetadata(metadataPath(base, key))
	if err != nil {
		return UpdateCheckState{}, err
	}
	return meta.UpdateCheck, nil
}

// UpdateMetadataTimestamps reads existing metadata, patches the named
// update_check timestamp field(s), and writes it back atomically. An
// absent metadata file is treated as a fresh, otherwise-zeroed record.
func UpdateMetadataTimestamps(base, key string, nowMs int64, lastCheck, lastNotification bool, latestKnown string) error {
	path := metadataPath(base, key)
	meta, err := readMetadata(path)
	if err != nil {
		meta = &Metadata{Version: currentMetadataVersion, CacheKey: key}
	}
	if lastCheck {
		meta.UpdateCheck.LastCheck = nowMs
	}
	if lastNotification {
		meta.UpdateCheck.LastNotification = nowMs
	}
	if latestKnown != "" {
		meta.UpdateCheck.LatestKnown = latestKnown
	}
	return writeMetadata(path, meta)
}

func readMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(raw, &extra); err == nil {
		for _, known := range []string{"version", "cache_key", "timestamp", "integrity", "source", "update_check"} {
			delete(extra, known)
		}
		meta.Extra = extra
	}
	return &meta, nil
}

func writeMetadata(path string, meta *Metadata) error {
	merged := map[string]json.RawMessage{}
	for k, v := range meta.Extra {
		merged[k] = v
	}
	fields := map[string]any{
		"version":       meta.Version,
		"cache_key":     meta.CacheKey,
		"timestamp":     meta.Timestamp,
		"integrity":     meta.Integrity,
		"source":        meta.Source,
		"update_check":  meta.UpdateCheck,
	}
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		merged[k] = encoded
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteChunked(path, out, 0o644)
}

// atomicWriteChunked writes data to <path>.tmp.<pid>, fsyncs it, sets mode,
// and renames it into place. The pid in the tmp name prevents two racing
// writers from clobbering each other's in-flight file; the rename itself is
// the ordering primitive both sides rely on.
func atomicWriteChunked(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return classifyFsError(err)
	}
	defer os.Remove(tmpPath) // no-op once renamed away

	const chunkSize = 1 << 20
	r := bytes.NewReader(data)
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return classifyFsError(werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return rerr
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := renameReplacing(tmpPath, path); err != nil {
		// Another writer may have won the race to the same content; that's
		// fine, the bytes are identical because the path is content-addressed.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func classifyFsError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrCachePermissionDenied, err)
	}
	return err
}
