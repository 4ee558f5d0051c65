package machofmt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildStubWithSection constructs a minimal 64-bit Mach-O image with one
// LC_SEGMENT_64 carrying a single section, so DebugSections/HasDebugInfo can
// be exercised without a real compiled binary.
func buildStubWithSection(t *testing.T, sectName string, sectData []byte) []byte {
	t.Helper()
	order := binary.LittleEndian

	const sectHeaderOff = fileHeaderSize64 + segCmd64Size
	dataOff := sectHeaderOff + sectionHeader64Size

	buf := make([]byte, dataOff+len(sectData))
	order.PutUint32(buf[0:4], magic64)
	order.PutUint32(buf[4:8], 0x01000007)
	order.PutUint32(buf[8:12], 3)
	order.PutUint32(buf[12:16], 2)
	order.PutUint32(buf[16:20], 1) // ncmds
	order.PutUint32(buf[20:24], segCmd64Size)
	order.PutUint32(buf[24:28], 0)
	order.PutUint32(buf[28:32], 0)

	seg := segmentCommand64{
		Cmd:      lcSegment64,
		CmdSize:  segCmd64Size,
		SegName:  padSegName("__DWARF"),
		VMAddr:   0,
		VMSize:   uint64(len(sectData)),
		FileOff:  uint64(dataOff),
		FileSize: uint64(len(sectData)),
		MaxProt:  5,
		InitProt: 5,
		NSects:   1,
		Flags:    0,
	}
	copy(buf[fileHeaderSize64:], seg.marshal(order))

	var name [16]byte
	copy(name[:], sectName)
	copy(buf[sectHeaderOff:sectHeaderOff+16], name[:])
	// segname[16] left zero, addr(8) left zero
	order.PutUint64(buf[sectHeaderOff+40:sectHeaderOff+48], uint64(len(sectData)))
	order.PutUint32(buf[sectHeaderOff+48:sectHeaderOff+52], uint32(dataOff))

	copy(buf[dataOff:], sectData)
	return buf
}

func TestDebugSectionsFindsDebugInfo(t *testing.T) {
	want := []byte("fake-debug-info-bytes")
	stub := buildStubWithSection(t, "__debug_info", want)

	got, err := DebugSections(stub)
	if err != nil {
		t.Fatalf("DebugSections: %v", err)
	}
	if !bytes.Equal(got["info"], want) {
		t.Fatalf("info section = %v, want %v", got["info"], want)
	}
}

func TestHasDebugInfoTrueWhenPresent(t *testing.T) {
	stub := buildStubWithSection(t, "__debug_info", []byte("abc"))
	has, err := HasDebugInfo(stub)
	if err != nil {
		t.Fatalf("HasDebugInfo: %v", err)
	}
	if !has {
		t.Fatal("HasDebugInfo = false, want true")
	}
}

func TestHasDebugInfoFalseWhenStripped(t *testing.T) {
	stub := buildStubWithSection(t, "__text", []byte("abc"))
	has, err := HasDebugInfo(stub)
	if err != nil {
		t.Fatalf("HasDebugInfo: %v", err)
	}
	if has {
		t.Fatal("HasDebugInfo = true, want false for a section with no debug name")
	}
}

func TestLoadDWARFNilWithoutDebugInfo(t *testing.T) {
	stub := buildStubWithSection(t, "__text", []byte("abc"))
	data, err := LoadDWARF(stub)
	if err != nil {
		t.Fatalf("LoadDWARF: %v", err)
	}
	if data != nil {
		t.Fatal("LoadDWARF = non-nil, want nil when no debug_info section exists")
	}
}
