package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// lzmaCompress encodes data with classic LZMA1 framing via ulikunitz/xz,
// the pure-Go LZMA implementation already present across the reference
// corpus (moby, quay-claircore, upbound-up).
func lzmaCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lzmaDecompress(data []byte, expectedSize uint64) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlgoMismatch, err)
	}
	out := make([]byte, 0, expectedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	return buf.Bytes(), nil
}
