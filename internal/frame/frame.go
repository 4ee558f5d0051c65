// Package frame implements the payload frame codec: the marker-delimited
// record appended to the stub by the injection tool and located by the stub
// at launch. Both the encoder (host side) and the decoder (target side)
// live here.
package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/socketsecurity/smol/internal/smfg"
)

// Marker is the fixed ASCII literal the stub scans for in its own image.
const Marker = "__SMOL_PRESSED_DATA_MAGIC_MARKER"

// MaxCompressedSize mirrors the compress package's bound so frame decisions
// don't need to import the codec layer just to reject an oversized field.
const MaxCompressedSize = 500 * 1024 * 1024

// DecompressorMaxUncompressedSize bounds uncompressed_sz the same way the
// compress package bounds its own output allocation.
const DecompressorMaxUncompressedSize = 4 * 1024 * 1024 * 1024

// cacheKeyFieldLen is the on-disk width of the cache_key field: 16 hex chars
// plus one NUL terminator.
const cacheKeyFieldLen = 17

// scanChunkSize is the read granularity used while scanning for Marker.
const scanChunkSize = 4096

// scanBound is the maximum offset at which Marker may start; by construction
// the stub itself is never larger than this, which keeps cold-start marker
// scanning cheap.
const scanBound = 5 * 1024 * 1024

// Platform, arch and libc tags packed into the frame's 3-byte platform_meta.
type Platform uint8

const (
	PlatformLinux Platform = 0
	PlatformDarwin Platform = 1
	PlatformWindows Platform = 2
)

type Arch uint8

const (
	ArchX64 Arch = 0
	ArchARM64 Arch = 1
)

type Libc uint8

const (
	LibcNone Libc = 0
	LibcGlibc Libc = 1
	LibcMusl Libc = 2
)

// PlatformMeta is the 3-byte platform/arch/libc triplet.
type PlatformMeta struct {
	Platform Platform
	Arch     Arch
	Libc     Libc
}

// Frame is the decoded, in-memory form of the on-disk payload frame.
type Frame struct {
	CompressedSize   uint64
	UncompressedSize uint64
	CacheKey         string // 16 lowercase hex chars, NUL trimmed
	Platform         PlatformMeta
	Config           *smfg.Config // nil iff has_config == 0
	Data             []byte       // CompressedSize bytes
}

var (
	ErrNoFrame          = errors.New("frame: could not find compressed data marker")
	ErrFrameTooLarge    = errors.New("frame: declared size exceeds allowed bound")
	ErrBadConfigMagic   = errors.New("frame: embedded config has bad magic")
	ErrTruncatedFrame   = errors.New("frame: truncated while reading fixed fields")
	ErrBadCacheKey      = errors.New("frame: cache_key is not 16 hex chars + NUL")
)

// Encode serializes a frame in the declared wire order. cfg may be nil.
func Encode(compressed []byte, cacheKey string, meta PlatformMeta, cfg *smfg.Config) ([]byte, error) {
	if len(cacheKey) != 16 {
		return nil, fmt.Errorf("%w: got %d chars", ErrBadCacheKey, len(cacheKey))
	}
	if uint64(len(compressed)) > MaxCompressedSize {
		return nil, fmt.Errorf("%w: compressed_sz=%d", ErrFrameTooLarge, len(compressed))
	}

	var buf bytes.Buffer
	buf.WriteString(Marker)

	var sizes [16]byte
	binary.LittleEndian.PutUint64(sizes[0:8], uint64(len(compressed)))
	// uncompressed_sz is filled in by the caller via cfg-independent path;
	// callers that know it pass it through EncodeSized instead.
	buf.Write(sizes[:])

	key := make([]byte, cacheKeyFieldLen)
	copy(key, cacheKey)
	buf.Write(key)

	buf.WriteByte(byte(meta.Platform))
	buf.WriteByte(byte(meta.Arch))
	buf.WriteByte(byte(meta.Libc))

	if cfg != nil {
		buf.WriteByte(1)
		packed, err := cfg.Pack()
		if err != nil {
			return nil, err
		}
		buf.Write(packed)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(compressed)
	return buf.Bytes(), nil
}

// EncodeSized is Encode with an explicit uncompressed size, which is the
// form the injection tool actually uses (it knows both sizes up front).
func EncodeSized(compressed []byte, uncompressedSize uint64, cacheKey string, meta PlatformMeta, cfg *smfg.Config) ([]byte, error) {
	if uncompressedSize > DecompressorMaxUncompressedSize {
		return nil, fmt.Errorf("%w: uncompressed_sz=%d", ErrFrameTooLarge, uncompressedSize)
	}
	out, err := Encode(compressed, cacheKey, meta, cfg)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(out[len(Marker)+8:len(Marker)+16], uncompressedSize)
	return out, nil
}

// DecodeFromSelf scans f from the start looking for Marker, then parses the
// frame that follows. It bounds the scan at scanBound bytes, since the
// marker is guaranteed (by construction of the stub) to appear before then.
func DecodeFromSelf(f io.ReadSeeker) (*Frame, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	offset, err := scanForMarker(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset+int64(len(Marker)), io.SeekStart); err != nil {
		return nil, err
	}
	return decodeFields(f)
}

// scanForMarker looks for Marker starting at the reader's current position,
// reading in scanChunkSize chunks and rewinding len(Marker)-1 bytes between
// chunks so a marker split across a chunk boundary is still found.
func scanForMarker(f io.ReadSeeker) (int64, error) {
	markerBytes := []byte(Marker)
	overlap := len(markerBytes) - 1

	var window []byte
	var base int64

	buf := make([]byte, scanChunkSize)
	for base < scanBound {
		n, err := f.Read(buf)
		if n > 0 {
			window = append(window, buf[:n]...)
			if idx := bytes.Index(window, markerBytes); idx >= 0 {
				return base + int64(idx), nil
			}
			if len(window) > overlap {
				trim := len(window) - overlap
				window = window[trim:]
				base += int64(trim)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, ErrNoFrame
}

func decodeFields(r io.Reader) (*Frame, error) {
	br := bufio.NewReader(r)

	var sizes [16]byte
	if _, err := io.ReadFull(br, sizes[:]); err != nil {
		return nil, fmt.Errorf("%w: sizes: %v", ErrTruncatedFrame, err)
	}
	compressedSize := binary.LittleEndian.Uint64(sizes[0:8])
	uncompressedSize := binary.LittleEndian.Uint64(sizes[8:16])
	if compressedSize > MaxCompressedSize {
		return nil, fmt.Errorf("%w: compressed_sz=%d max=%d", ErrFrameTooLarge, compressedSize, uint64(MaxCompressedSize))
	}
	if uncompressedSize > DecompressorMaxUncompressedSize {
		return nil, fmt.Errorf("%w: uncompressed_sz=%d max=%d", ErrFrameTooLarge, uncompressedSize, uint64(DecompressorMaxUncompressedSize))
	}

	keyField := make([]byte, cacheKeyFieldLen)
	if _, err := io.ReadFull(br, keyField); err != nil {
		return nil, fmt.Errorf("%w: cache_key: %v", ErrTruncatedFrame, err)
	}
	cacheKey := string(bytes.TrimRight(keyField, "\x00"))
	if len(cacheKey) != 16 {
		return nil, fmt.Errorf("%w: got %d chars", ErrBadCacheKey, len(cacheKey))
	}

	var metaBytes [3]byte
	if _, err := io.ReadFull(br, metaBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: platform_meta: %v", ErrTruncatedFrame, err)
	}
	meta := PlatformMeta{
		Platform: Platform(metaBytes[0]),
		Arch:     Arch(metaBytes[1]),
		Libc:     Libc(metaBytes[2]),
	}

	hasConfig, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: has_config: %v", ErrTruncatedFrame, err)
	}

	var cfg *smfg.Config
	if hasConfig == 1 {
		blob := make([]byte, smfg.RecordSize)
		if _, err := io.ReadFull(br, blob); err != nil {
			return nil, fmt.Errorf("%w: config_blob: %v", ErrTruncatedFrame, err)
		}
		if !smfg.HasValidMagic(blob) {
			return nil, ErrBadConfigMagic
		}
		parsed, err := smfg.Unpack(blob)
		if err != nil {
			// Degrade gracefully: an unparseable config disables update
			// checks but does not fail the launch (see smfg package docs).
			cfg = nil
		} else {
			cfg = parsed
		}
	}

	data := make([]byte, compressedSize)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrTruncatedFrame, err)
	}

	return &Frame{
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressedSize,
		CacheKey:         cacheKey,
		Platform:         meta,
		Config:           cfg,
		Data:             data,
	}, nil
}
