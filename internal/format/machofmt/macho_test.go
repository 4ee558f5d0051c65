package machofmt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildFakeStub constructs a minimal 64-bit Mach-O image with one
// LC_SEGMENT_64 whose data starts well after the load command table, so
// there's slack for Append to insert a new command.
func buildFakeStub(t *testing.T, textDataOffset, textDataSize int) []byte {
	t.Helper()
	order := binary.LittleEndian

	buf := make([]byte, textDataOffset+textDataSize)
	order.PutUint32(buf[0:4], magic64)
	order.PutUint32(buf[4:8], 0x01000007) // CPU_TYPE_X86_64
	order.PutUint32(buf[8:12], 3)
	order.PutUint32(buf[12:16], 2) // MH_EXECUTE
	order.PutUint32(buf[16:20], 1) // ncmds
	order.PutUint32(buf[20:24], segCmd64Size)
	order.PutUint32(buf[24:28], 0)
	order.PutUint32(buf[28:32], 0)

	seg := segmentCommand64{
		Cmd:      lcSegment64,
		CmdSize:  segCmd64Size,
		SegName:  padSegName("__TEXT"),
		VMAddr:   0,
		VMSize:   uint64(textDataSize),
		FileOff:  uint64(textDataOffset),
		FileSize: uint64(textDataSize),
		MaxProt:  5,
		InitProt: 5,
		NSects:   0,
		Flags:    0,
	}
	copy(buf[fileHeaderSize64:], seg.marshal(order))

	for i := 0; i < textDataSize; i++ {
		buf[textDataOffset+i] = byte(i)
	}
	return buf
}

func TestAppendInsertsSegmentAndTrailer(t *testing.T) {
	stub := buildFakeStub(t, 256, 100)
	trailer := bytes.Repeat([]byte{0xAB}, 64)

	out, err := Adapter{}.Append(stub, trailer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	order := binary.LittleEndian
	ncmds := order.Uint32(out[16:20])
	if ncmds != 2 {
		t.Fatalf("ncmds = %d, want 2", ncmds)
	}
	sizeofcmds := order.Uint32(out[20:24])
	if sizeofcmds != 2*segCmd64Size {
		t.Fatalf("sizeofcmds = %d, want %d", sizeofcmds, 2*segCmd64Size)
	}

	newCmdOffset := fileHeaderSize64 + segCmd64Size
	gotSegName := out[newCmdOffset+8 : newCmdOffset+8+segnameLen]
	if !bytes.Equal(bytes.TrimRight(gotSegName, "\x00"), []byte("__SMOL_TRAILER")) {
		t.Fatalf("segname = %q, want __SMOL_TRAILER", gotSegName)
	}
	fileOff := order.Uint64(out[newCmdOffset+40 : newCmdOffset+48])
	fileSize := order.Uint64(out[newCmdOffset+48 : newCmdOffset+56])
	if fileSize != uint64(len(trailer)) {
		t.Fatalf("fileSize = %d, want %d", fileSize, len(trailer))
	}
	if !bytes.Equal(out[fileOff:fileOff+fileSize], trailer) {
		t.Fatal("trailer bytes not recovered at declared fileoff")
	}
}

func TestAppendFailsWithoutRoom(t *testing.T) {
	// Data starts immediately after the load command table: no slack.
	stub := buildFakeStub(t, fileHeaderSize64+segCmd64Size, 16)
	if _, err := (Adapter{}).Append(stub, []byte("trailer")); err == nil {
		t.Fatal("expected ErrNoSpaceInHeaderTable")
	}
}

func TestAppendRejectsBadMagic(t *testing.T) {
	if _, err := (Adapter{}).Append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, []byte("x")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
