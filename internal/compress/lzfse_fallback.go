//go:build !darwin

package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// lzfseCompress and lzfseDecompress back the "lzfse" algorithm on every
// target that lacks Apple's libcompression. It is a small LZ77-style codec
// bundled with the injector and the stub, so an injector and a stub that are
// both built for non-Darwin targets agree on framing. It is not Apple's LZFSE
// encoding: a payload it produces cannot be decoded by the Darwin build
// (lzfse_darwin.go, which calls libcompression), and it cannot decode a
// payload that the Darwin build produced.
const (
	windowSize   = 32768
	minMatchLen  = 4
	maxMatchLen  = 255
	escapeMarker = 0xFF
)

func lzfseCompress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(data) / 2)

	pos := 0
	for pos < len(data) {
		bestLen, bestDist := 0, 0

		searchStart := pos - windowSize
		if searchStart < 0 {
			searchStart = 0
		}
		for i := searchStart; i < pos; i++ {
			matchLen := 0
			for matchLen < maxMatchLen && pos+matchLen < len(data) && data[i+matchLen] == data[pos+matchLen] {
				matchLen++
			}
			if matchLen >= minMatchLen && matchLen > bestLen {
				bestLen, bestDist = matchLen, pos-i
			}
		}

		if bestLen >= minMatchLen {
			out.WriteByte(escapeMarker)
			var distBuf [2]byte
			binary.LittleEndian.PutUint16(distBuf[:], uint16(bestDist))
			out.Write(distBuf[:])
			out.WriteByte(byte(bestLen))
			pos += bestLen
			continue
		}

		literal := data[pos]
		if literal == escapeMarker {
			// Escape a literal 0xFF as a zero-distance, unit-length "match".
			out.Write([]byte{escapeMarker, 0x00, 0x00, 0x01})
		} else {
			out.WriteByte(literal)
		}
		pos++
	}
	return out.Bytes(), nil
}

func lzfseDecompress(data []byte, expectedSize uint64) ([]byte, error) {
	out := make([]byte, 0, expectedSize)

	pos := 0
	for pos < len(data) {
		if data[pos] != escapeMarker {
			out = append(out, data[pos])
			pos++
			continue
		}
		if pos+3 >= len(data) {
			return nil, fmt.Errorf("%w: truncated match token", ErrCorruptFrame)
		}
		dist := binary.LittleEndian.Uint16(data[pos+1 : pos+3])
		length := int(data[pos+3])
		if dist == 0 && length == 1 {
			out = append(out, escapeMarker)
		} else {
			start := len(out) - int(dist)
			if start < 0 {
				return nil, fmt.Errorf("%w: back-reference before start of buffer", ErrCorruptFrame)
			}
			for i := 0; i < length; i++ {
				out = append(out, out[start+i])
			}
		}
		pos += 4
	}
	return out, nil
}
