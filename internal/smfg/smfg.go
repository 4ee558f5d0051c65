// Package smfg implements the embedded configuration record ("SMFG" block):
// a fixed 1200-byte structure describing update-check behavior and a few
// runtime knobs, embedded inside the payload frame.
//
// The encoder side (used by the injection tool) validates every field
// against its cap or range before packing. The decoder side (used by the
// stub) reports an unsupported version (ErrUnsupportedVersion) and a
// truncated record or string (ErrTruncated) as errors; the frame decoder
// treats any Unpack error as "no config" rather than aborting the launch,
// so either failure only disables update checks. The field layout follows the
// same field-at-a-time little-endian packing style as the PSPF index block
// used elsewhere in the corpus, since the string fields are length-prefixed
// and a struct-reflection codec (encoding/binary.Write) cannot express them.
package smfg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Magic is the literal "SMFG" read as a big-endian uint32: 0x53, 0x4D, 0x46, 0x47.
const Magic uint32 = 0x534D4647

// CurrentVersion is the only version this codec will encode, and the
// highest version it will decode.
const CurrentVersion uint16 = 1

// RecordSize is the fixed on-disk size of a packed Config.
const RecordSize = 1200

const (
	headerSize      = 8  // magic(4) + version(2) + prompt(1) + prompt_default(1)
	intervalsSize   = 16 // interval_ms(8) + notify_interval_ms(8)
	stringsBudget   = RecordSize - headerSize - intervalsSize
)

// Per-string caps: (length-prefix width, max payload bytes), matching
// spec.md's "1+127" style notation (prefix bytes + max content bytes).
const (
	binnameLenBytes  = 1
	binnameMaxLen    = 127
	commandLenBytes  = 2
	commandMaxLen    = 254
	urlLenBytes      = 2
	urlMaxLen        = 510
	tagLenBytes      = 1
	tagMaxLen        = 127
	skipEnvLenBytes  = 1
	skipEnvMaxLen    = 63
	fakeArgvLenBytes = 1
	fakeArgvMaxLen   = 63
	nodeVerLenBytes  = 1
	nodeVerMaxLen    = 15
)

func init() {
	const sum = (binnameLenBytes + binnameMaxLen) +
		(commandLenBytes + commandMaxLen) +
		(urlLenBytes + urlMaxLen) +
		(tagLenBytes + tagMaxLen) +
		(skipEnvLenBytes + skipEnvMaxLen) +
		(fakeArgvLenBytes + fakeArgvMaxLen) +
		(nodeVerLenBytes + nodeVerMaxLen)
	if sum > stringsBudget {
		panic(fmt.Sprintf("smfg: string fields exceed packed budget: %d > %d", sum, stringsBudget))
	}
}

// PromptDefault is the default answer to the update-available prompt.
type PromptDefault byte

const (
	PromptDefaultYes PromptDefault = 'y'
	PromptDefaultNo  PromptDefault = 'n'
)

// Config is the decoded form of an SMFG record.
type Config struct {
	Version           uint16
	Enabled           bool
	Prompt            bool
	PromptDefault     PromptDefault
	IntervalMs        int64
	NotifyIntervalMs  int64
	BinName           string
	Command           string
	URL               string
	Tag               string
	SkipEnv           string
	FakeArgvEnv       string
	NodeVersion       string
}

var (
	ErrStringTooLong        = errors.New("smfg: string field exceeds its cap")
	ErrNegativeInterval     = errors.New("smfg: interval must be non-negative")
	ErrInvalidPromptDefault = errors.New("smfg: prompt_default must be 'y' or 'n'")
	ErrInvalidURL           = errors.New("smfg: non-empty url must start with http:// or https://")
	ErrBadMagic             = errors.New("smfg: bad magic")
	ErrUnsupportedVersion   = errors.New("smfg: unsupported version")
	ErrTruncated            = errors.New("smfg: truncated string field")
)

// HasValidMagic reports whether the first 4 bytes of a packed record are the
// SMFG magic, without attempting a full decode.
func HasValidMagic(packed []byte) bool {
	if len(packed) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(packed[0:4]) == Magic
}

// Pack validates and serializes a Config to its fixed 1200-byte form.
func (c *Config) Pack() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], CurrentVersion)
	buf[6] = boolByte(c.Prompt)
	buf[7] = byte(c.PromptDefault)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.IntervalMs))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.NotifyIntervalMs))

	off := headerSize + intervalsSize
	off = packString(buf, off, binnameLenBytes, binnameMaxLen, c.BinName)
	off = packString(buf, off, commandLenBytes, commandMaxLen, c.Command)
	off = packString(buf, off, urlLenBytes, urlMaxLen, c.URL)
	off = packString(buf, off, tagLenBytes, tagMaxLen, c.Tag)
	off = packString(buf, off, skipEnvLenBytes, skipEnvMaxLen, c.SkipEnv)
	off = packString(buf, off, fakeArgvLenBytes, fakeArgvMaxLen, c.FakeArgvEnv)
	_ = packString(buf, off, nodeVerLenBytes, nodeVerMaxLen, c.NodeVersion)

	return buf, nil
}

// Unpack parses a fixed 1200-byte record. A version newer than
// CurrentVersion yields ErrUnsupportedVersion; callers (the frame decoder)
// treat that as "no config", not a fatal error.
func Unpack(packed []byte) (*Config, error) {
	if len(packed) != RecordSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrTruncated, len(packed))
	}
	if binary.LittleEndian.Uint32(packed[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(packed[4:6])
	if version == 0 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	c := &Config{
		Version:          version,
		Prompt:           packed[6] != 0,
		PromptDefault:    PromptDefault(packed[7]),
		IntervalMs:       int64(binary.LittleEndian.Uint64(packed[8:16])),
		NotifyIntervalMs: int64(binary.LittleEndian.Uint64(packed[16:24])),
	}
	c.Enabled = true

	off := headerSize + intervalsSize
	var err error
	if c.BinName, off, err = unpackString(packed, off, binnameLenBytes, binnameMaxLen); err != nil {
		return nil, err
	}
	if c.Command, off, err = unpackString(packed, off, commandLenBytes, commandMaxLen); err != nil {
		return nil, err
	}
	if c.URL, off, err = unpackString(packed, off, urlLenBytes, urlMaxLen); err != nil {
		return nil, err
	}
	if c.Tag, off, err = unpackString(packed, off, tagLenBytes, tagMaxLen); err != nil {
		return nil, err
	}
	if c.SkipEnv, off, err = unpackString(packed, off, skipEnvLenBytes, skipEnvMaxLen); err != nil {
		return nil, err
	}
	if c.FakeArgvEnv, off, err = unpackString(packed, off, fakeArgvLenBytes, fakeArgvMaxLen); err != nil {
		return nil, err
	}
	if c.NodeVersion, _, err = unpackString(packed, off, nodeVerLenBytes, nodeVerMaxLen); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.IntervalMs < 0 || c.NotifyIntervalMs < 0 {
		return ErrNegativeInterval
	}
	if c.PromptDefault != PromptDefaultYes && c.PromptDefault != PromptDefaultNo {
		return ErrInvalidPromptDefault
	}
	if c.URL != "" && !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return ErrInvalidURL
	}
	for _, f := range []struct {
		name string
		val  string
		max  int
	}{
		{"binname", c.BinName, binnameMaxLen},
		{"command", c.Command, commandMaxLen},
		{"url", c.URL, urlMaxLen},
		{"tag", c.Tag, tagMaxLen},
		{"skip_env", c.SkipEnv, skipEnvMaxLen},
		{"fake_argv_env", c.FakeArgvEnv, fakeArgvMaxLen},
		{"node_version", c.NodeVersion, nodeVerMaxLen},
	} {
		if len(f.val) > f.max {
			return fmt.Errorf("%w: %s is %d bytes, cap %d", ErrStringTooLong, f.name, len(f.val), f.max)
		}
	}
	return nil
}

func packString(buf []byte, off, lenBytes, maxLen int, s string) int {
	n := len(s)
	switch lenBytes {
	case 1:
		buf[off] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(n))
	}
	copy(buf[off+lenBytes:off+lenBytes+n], s)
	return off + lenBytes + maxLen
}

func unpackString(buf []byte, off, lenBytes, maxLen int) (string, int, error) {
	var n int
	switch lenBytes {
	case 1:
		n = int(buf[off])
	case 2:
		n = int(binary.LittleEndian.Uint16(buf[off : off+2]))
	}
	if n > maxLen {
		return "", 0, fmt.Errorf("%w: declared length %d exceeds cap %d", ErrTruncated, n, maxLen)
	}
	start := off + lenBytes
	if start+n > len(buf) {
		return "", 0, ErrTruncated
	}
	s := string(buf[start : start+n])
	return s, off + lenBytes + maxLen, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
