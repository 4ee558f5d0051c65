package frame

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/socketsecurity/smol/internal/smfg"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	compressed := []byte("pretend-compressed-bytes")
	meta := PlatformMeta{Platform: PlatformLinux, Arch: ArchX64, Libc: LibcGlibc}
	cfg := &smfg.Config{
		PromptDefault: smfg.PromptDefaultNo,
		BinName:       "node",
		Command:       "npx socket-node-update",
		URL:           "https://example.com/releases",
		NodeVersion:   "20.11.0",
	}

	encoded, err := EncodeSized(compressed, 12345, "a1b2c3d4e5f60718", meta, cfg)
	if err != nil {
		t.Fatalf("EncodeSized: %v", err)
	}

	// Prepend and append filler bytes the way a real stub does: the marker
	// is scanned for, not assumed to sit at offset 0.
	image := append(bytes.Repeat([]byte{0x90}, 4096), encoded...)
	image = append(image, []byte("trailing junk that must not be read")...)

	got, err := DecodeFromSelf(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("DecodeFromSelf: %v", err)
	}

	if got.CompressedSize != uint64(len(compressed)) {
		t.Errorf("CompressedSize = %d, want %d", got.CompressedSize, len(compressed))
	}
	if got.UncompressedSize != 12345 {
		t.Errorf("UncompressedSize = %d, want 12345", got.UncompressedSize)
	}
	if got.CacheKey != "a1b2c3d4e5f60718" {
		t.Errorf("CacheKey = %q", got.CacheKey)
	}
	if got.Platform != meta {
		t.Errorf("Platform = %+v, want %+v", got.Platform, meta)
	}
	if !bytes.Equal(got.Data, compressed) {
		t.Errorf("Data = %v, want %v", got.Data, compressed)
	}
	if got.Config == nil {
		t.Fatal("Config is nil, want decoded SMFG record")
	}
	if diff := cmp.Diff(cfg.BinName, got.Config.BinName); diff != "" {
		t.Errorf("BinName mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeNoConfig(t *testing.T) {
	encoded, err := EncodeSized([]byte("abc"), 3, "0011223344556677", PlatformMeta{}, nil)
	if err != nil {
		t.Fatalf("EncodeSized: %v", err)
	}
	got, err := DecodeFromSelf(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeFromSelf: %v", err)
	}
	if got.Config != nil {
		t.Fatal("expected nil Config when has_config == 0")
	}
}

func TestDecodeFromSelfNoMarker(t *testing.T) {
	_, err := DecodeFromSelf(bytes.NewReader(bytes.Repeat([]byte{0x00}, 8192)))
	if err != ErrNoFrame {
		t.Fatalf("got %v, want ErrNoFrame", err)
	}
}

func TestEncodeRejectsOversizedCompressed(t *testing.T) {
	huge := make([]byte, MaxCompressedSize+1)
	if _, err := Encode(huge, "0011223344556677", PlatformMeta{}, nil); err == nil {
		t.Fatal("expected ErrFrameTooLarge")
	}
}

func TestEncodeRejectsBadCacheKeyLength(t *testing.T) {
	if _, err := Encode([]byte("x"), "short", PlatformMeta{}, nil); err == nil {
		t.Fatal("expected ErrBadCacheKey")
	}
}

func TestMarkerSplitAcrossChunkBoundary(t *testing.T) {
	// Place the marker so it straddles the scanner's 4096-byte chunk
	// boundary, exercising the rewind-and-retry path in scanForMarker.
	compressed := []byte("x")
	encoded, err := EncodeSized(compressed, 1, "0011223344556677", PlatformMeta{}, nil)
	if err != nil {
		t.Fatalf("EncodeSized: %v", err)
	}
	padLen := scanChunkSize - len(Marker)/2
	image := append(bytes.Repeat([]byte{0x00}, padLen), encoded...)

	got, err := DecodeFromSelf(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("DecodeFromSelf: %v", err)
	}
	if got.CacheKey != "0011223344556677" {
		t.Errorf("CacheKey = %q", got.CacheKey)
	}
}
