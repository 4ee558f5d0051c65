// Package compress implements the in-memory compression codec layer used to
// shrink the inner runtime executable before it is appended to the stub.
//
// Two algorithms are supported: LZFSE (the default, present on every target)
// and LZMA (an optional alternate for formats that prefer its ratio). Both
// operate on whole buffers; streaming is unnecessary because a payload is
// bounded at MaxCompressedSize.
package compress

import (
	"errors"
	"fmt"
)

// Algo identifies a compression algorithm used to frame a payload.
type Algo uint8

const (
	// LZFSE is the default algorithm: the system library on Darwin, a
	// bundled pure-Go codec everywhere else.
	LZFSE Algo = iota
	// LZMA is the optional alternate, backed by a real LZMA implementation
	// (classic LZMA1 framing, see lzma.go).
	LZMA
)

func (a Algo) String() string {
	switch a {
	case LZFSE:
		return "lzfse"
	case LZMA:
		return "lzma"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

// ParseAlgo maps a CLI --quality value to an Algo.
func ParseAlgo(s string) (Algo, error) {
	switch s {
	case "", "lzfse":
		return LZFSE, nil
	case "lzma":
		return LZMA, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgo, s)
	}
}

// MaxCompressedSize is the frame's hard cap on compressed payload size, per
// the payload frame invariant (compressed_sz <= 500 MiB).
const MaxCompressedSize = 500 * 1024 * 1024

// DecompressorMaxUncompressedSize bounds the decompressed buffer the stub
// will ever allocate. This is a configuration-time constant, not a frame
// field, so a corrupt or hostile frame cannot force an unbounded allocation.
const DecompressorMaxUncompressedSize = 4 * 1024 * 1024 * 1024 // 4 GiB

var (
	// ErrUnknownAlgo is returned by ParseAlgo for an unrecognized --quality value.
	ErrUnknownAlgo = errors.New("compress: unknown algorithm")
	// ErrCorruptFrame is returned when decompression succeeds but the
	// resulting length disagrees with the frame's declared uncompressed_sz.
	ErrCorruptFrame = errors.New("compress: corrupt frame (length mismatch)")
	// ErrAlgoMismatch is returned when the compressed bytes carry framing
	// that disagrees with the algorithm the caller declared.
	ErrAlgoMismatch = errors.New("compress: algorithm mismatch")
	// ErrOutOfMemory is returned when the scratch or output allocation fails.
	ErrOutOfMemory = errors.New("compress: out of memory")
	// ErrTooLarge is returned when a buffer exceeds the bounds this package enforces.
	ErrTooLarge = errors.New("compress: buffer exceeds size bound")
)

// Compress encodes data with the given algorithm. It is deterministic for a
// fixed input.
func Compress(data []byte, algo Algo) ([]byte, error) {
	if uint64(len(data)) > DecompressorMaxUncompressedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	var out []byte
	var err error
	switch algo {
	case LZFSE:
		out, err = lzfseCompress(data)
	case LZMA:
		out, err = lzmaCompress(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgo, algo)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > MaxCompressedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(out))
	}
	return out, nil
}

// Decompress decodes data that was produced by Compress with algo, failing
// closed if the result doesn't match expectedUncompressedSize.
func Decompress(data []byte, algo Algo, expectedUncompressedSize uint64) ([]byte, error) {
	if expectedUncompressedSize > DecompressorMaxUncompressedSize {
		return nil, fmt.Errorf("%w: declared size %d", ErrTooLarge, expectedUncompressedSize)
	}
	var out []byte
	var err error
	switch algo {
	case LZFSE:
		out, err = lzfseDecompress(data, expectedUncompressedSize)
	case LZMA:
		out, err = lzmaDecompress(data, expectedUncompressedSize)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgo, algo)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != expectedUncompressedSize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrCorruptFrame, len(out), expectedUncompressedSize)
	}
	return out, nil
}
