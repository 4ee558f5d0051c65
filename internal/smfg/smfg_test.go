package smfg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validConfig() *Config {
	return &Config{
		Prompt:           true,
		PromptDefault:    PromptDefaultYes,
		IntervalMs:       3600_000,
		NotifyIntervalMs: 86400_000,
		BinName:          "node",
		Command:          "npx socket-node-update@latest",
		URL:              "https://downloads.example.com/releases.json",
		Tag:              "v*",
		SkipEnv:          "SOCKET_NO_UPDATE_NOTIFIER",
		FakeArgvEnv:      "SOCKET_FAKE_ARGV0",
		NodeVersion:      "20.11.0",
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cfg := validConfig()
	packed, err := cfg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packed) != RecordSize {
		t.Fatalf("packed size = %d, want %d", len(packed), RecordSize)
	}
	if !HasValidMagic(packed) {
		t.Fatal("HasValidMagic = false on freshly packed record")
	}

	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got.Version = cfg.Version // Version isn't set on the input, only decoded
	got.Enabled = cfg.Enabled // Enabled is a decode-time synthesized field
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPackRejectsOverlongString(t *testing.T) {
	cfg := validConfig()
	cfg.BinName = string(make([]byte, binnameMaxLen+1))
	if _, err := cfg.Pack(); err == nil {
		t.Fatal("expected ErrStringTooLong")
	}
}

func TestPackRejectsNegativeInterval(t *testing.T) {
	cfg := validConfig()
	cfg.IntervalMs = -1
	if _, err := cfg.Pack(); err == nil {
		t.Fatal("expected ErrNegativeInterval")
	}
}

func TestPackRejectsBadPromptDefault(t *testing.T) {
	cfg := validConfig()
	cfg.PromptDefault = 'x'
	if _, err := cfg.Pack(); err == nil {
		t.Fatal("expected ErrInvalidPromptDefault")
	}
}

func TestPackRejectsBadURL(t *testing.T) {
	cfg := validConfig()
	cfg.URL = "ftp://example.com"
	if _, err := cfg.Pack(); err == nil {
		t.Fatal("expected ErrInvalidURL")
	}
}

func TestPackAllowsEmptyURL(t *testing.T) {
	cfg := validConfig()
	cfg.URL = ""
	if _, err := cfg.Pack(); err != nil {
		t.Fatalf("Pack: %v", err)
	}
}

func TestUnpackRejectsBadMagic(t *testing.T) {
	packed, err := validConfig().Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	packed[0] ^= 0xFF
	if _, err := Unpack(packed); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestUnpackRejectsFutureVersion(t *testing.T) {
	packed, err := validConfig().Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	packed[4] = byte(CurrentVersion + 1)
	packed[5] = 0
	if _, err := Unpack(packed); err == nil {
		t.Fatal("expected ErrUnsupportedVersion")
	}
}

func TestUnpackRejectsTruncatedRecord(t *testing.T) {
	packed, err := validConfig().Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := Unpack(packed[:RecordSize-1]); err == nil {
		t.Fatal("expected ErrTruncated for short record")
	}
}
