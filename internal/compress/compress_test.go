package compress

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"single", []byte{42}},
		{"repeated", bytes.Repeat([]byte{0xAA}, 4096)},
		{"mixed", []byte{0x11, 0x11, 0x22, 0x33, 0x33, 0x33}},
		{"hello", []byte("Hello, World!")},
		{"escape-byte", []byte{0xFF, 0xFF, 0x00, 0xFF}},
		{"text", []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 200))},
	}

	for _, algo := range []Algo{LZFSE, LZMA} {
		for _, tt := range tests {
			t.Run(algo.String()+"/"+tt.name, func(t *testing.T) {
				compressed, err := Compress(tt.input, algo)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				got, err := Decompress(compressed, algo, uint64(len(tt.input)))
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(got, tt.input) {
					t.Errorf("round trip mismatch: got %v want %v", got, tt.input)
				}
			})
		}
	}
}

func TestDecompressSizeMismatchIsCorrupt(t *testing.T) {
	compressed, err := Compress([]byte("hello world"), LZFSE)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(compressed, LZFSE, 3); err == nil {
		t.Fatal("expected ErrCorruptFrame for mismatched expected size")
	}
}

func TestParseAlgo(t *testing.T) {
	cases := map[string]Algo{"": LZFSE, "lzfse": LZFSE, "lzma": LZMA}
	for in, want := range cases {
		got, err := ParseAlgo(in)
		if err != nil {
			t.Fatalf("ParseAlgo(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAlgo(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseAlgo("zstd"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}
