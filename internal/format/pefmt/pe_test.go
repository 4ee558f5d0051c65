package pefmt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildFakePE constructs a minimal PE32+ image: DOS stub, PE signature, COFF
// file header, a 112-byte optional header (no data directories), one
// section header, then that section's raw data starting at dataOffset.
func buildFakePE(t *testing.T, dataOffset, dataSize int) []byte {
	t.Helper()
	order := binary.LittleEndian

	const (
		peOffset          = 0x80
		optHeaderSize     = 112
		fileHeaderOffset  = peOffset + 4
		optHeaderOffset   = fileHeaderOffset + fileHeaderSize
		sectionTblOffset  = optHeaderOffset + optHeaderSize
	)

	buf := make([]byte, dataOffset+dataSize)
	buf[0], buf[1] = 'M', 'Z'
	order.PutUint32(buf[dosLfanewOffset:dosLfanewOffset+4], peOffset)

	buf[peOffset], buf[peOffset+1], buf[peOffset+2], buf[peOffset+3] = 'P', 'E', 0, 0

	order.PutUint16(buf[fileHeaderOffset:fileHeaderOffset+2], 0x8664) // AMD64
	order.PutUint16(buf[fileHeaderOffset+2:fileHeaderOffset+4], 1)    // NumberOfSections
	order.PutUint16(buf[fileHeaderOffset+16:fileHeaderOffset+18], optHeaderSize)

	order.PutUint16(buf[optHeaderOffset:optHeaderOffset+2], magicPE32Plus)
	order.PutUint32(buf[optHeaderOffset+32:optHeaderOffset+36], 0x1000) // SectionAlignment
	order.PutUint32(buf[optHeaderOffset+36:optHeaderOffset+40], 0x200)  // FileAlignment
	order.PutUint32(buf[optHeaderOffset+64:optHeaderOffset+68], 0xdeadbeef) // stale CheckSum

	sec := sectionTblOffset
	copy(buf[sec:sec+8], ".text\x00\x00\x00")
	order.PutUint32(buf[sec+8:sec+12], uint32(dataSize))  // VirtualSize
	order.PutUint32(buf[sec+12:sec+16], 0x1000)           // VirtualAddress
	order.PutUint32(buf[sec+16:sec+20], uint32(dataSize)) // SizeOfRawData
	order.PutUint32(buf[sec+20:sec+24], uint32(dataOffset))

	for i := 0; i < dataSize; i++ {
		buf[dataOffset+i] = byte(i)
	}
	return buf
}

func TestAppendAddsSectionAndZeroesChecksum(t *testing.T) {
	stub := buildFakePE(t, 0x400, 256)
	trailer := bytes.Repeat([]byte{0xEE}, 48)

	out, err := Adapter{}.Append(stub, trailer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	order := binary.LittleEndian
	const fileHeaderOffset = 0x80 + 4
	numSections := order.Uint16(out[fileHeaderOffset+2 : fileHeaderOffset+4])
	if numSections != 2 {
		t.Fatalf("NumberOfSections = %d, want 2", numSections)
	}

	const optHeaderOffset = fileHeaderOffset + fileHeaderSize
	checksum := order.Uint32(out[optHeaderOffset+64 : optHeaderOffset+68])
	if checksum != 0 {
		t.Fatalf("CheckSum = %#x, want 0", checksum)
	}

	newSecOffset := optHeaderOffset + 112 + sectionHeaderSz
	gotName := bytes.TrimRight(out[newSecOffset:newSecOffset+8], "\x00")
	if string(gotName) != ".smol" {
		t.Fatalf("new section name = %q, want .smol", gotName)
	}
	rawPtr := order.Uint32(out[newSecOffset+20 : newSecOffset+24])
	vsize := order.Uint32(out[newSecOffset+8 : newSecOffset+12])
	if vsize != uint32(len(trailer)) {
		t.Fatalf("VirtualSize = %d, want %d", vsize, len(trailer))
	}
	if !bytes.Equal(out[rawPtr:rawPtr+uint32(len(trailer))], trailer) {
		t.Fatal("trailer bytes not recoverable at declared PointerToRawData")
	}
}

func TestAppendFailsWithoutRoom(t *testing.T) {
	const peOffset = 0x80
	const fileHeaderOffset = peOffset + 4
	const optHeaderOffset = fileHeaderOffset + fileHeaderSize
	stub := buildFakePE(t, optHeaderOffset+112+sectionHeaderSz, 16)
	if _, err := (Adapter{}).Append(stub, []byte("trailer")); err == nil {
		t.Fatal("expected ErrNoSpaceInHeaderTable")
	}
}

func TestAppendRejectsBadMagic(t *testing.T) {
	if _, err := (Adapter{}).Append(make([]byte, 128), []byte("x")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
