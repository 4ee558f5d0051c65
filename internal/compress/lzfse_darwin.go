//go:build darwin

package compress

/*
#cgo LDFLAGS: -lcompression
#include <stdlib.h>
#include <compression.h>

static size_t smol_encode(uint8_t *dst, size_t dst_size, const uint8_t *src, size_t src_size) {
	return compression_encode_buffer(dst, dst_size, src, src_size, NULL, COMPRESSION_LZFSE);
}

static size_t smol_decode(uint8_t *dst, size_t dst_size, const uint8_t *src, size_t src_size) {
	return compression_decode_buffer(dst, dst_size, src, src_size, NULL, COMPRESSION_LZFSE);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// lzfseCompress on Darwin calls the system compression library directly,
// matching the "Mach-O via system API" split named in the spec.
func lzfseCompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dstCap := len(data) + len(data)/2 + 64
	dst := make([]byte, dstCap)

	n := C.smol_encode(
		(*C.uint8_t)(unsafe.Pointer(&dst[0])), C.size_t(dstCap),
		(*C.uint8_t)(unsafe.Pointer(&data[0])), C.size_t(len(data)),
	)
	if n == 0 {
		return nil, fmt.Errorf("%w: compression_encode_buffer failed", ErrOutOfMemory)
	}
	return dst[:n], nil
}

func lzfseDecompress(data []byte, expectedSize uint64) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// One spare byte lets an over-long payload show up as a length mismatch
	// in Decompress instead of being silently cut at expectedSize.
	dst := make([]byte, expectedSize+1)
	n := C.smol_decode(
		(*C.uint8_t)(unsafe.Pointer(&dst[0])), C.size_t(len(dst)),
		(*C.uint8_t)(unsafe.Pointer(&data[0])), C.size_t(len(data)),
	)
	if n == 0 {
		return nil, fmt.Errorf("%w: compression_decode_buffer failed", ErrOutOfMemory)
	}
	return dst[:n], nil
}
