package elffmt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildFakeELF(t *testing.T, phoff, loadDataOffset, loadDataSize int) []byte {
	t.Helper()
	order := binary.LittleEndian

	buf := make([]byte, loadDataOffset+loadDataSize)
	buf[0], buf[1], buf[2], buf[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	buf[eiClassOffset] = elfClass64
	buf[eiDataOffset] = elfData2LSB
	buf[6] = 1 // EI_VERSION

	order.PutUint16(buf[16:18], 2) // e_type = ET_EXEC
	order.PutUint16(buf[18:20], 0x3e)
	order.PutUint32(buf[20:24], 1)
	order.PutUint64(buf[24:32], 0x400000) // e_entry
	order.PutUint64(buf[32:40], uint64(phoff))
	order.PutUint64(buf[40:48], 0) // e_shoff
	order.PutUint32(buf[48:52], 0)
	order.PutUint16(buf[52:54], ehSize64)
	order.PutUint16(buf[54:56], phEntry64)
	order.PutUint16(buf[56:58], 1) // e_phnum
	order.PutUint16(buf[58:60], 0)
	order.PutUint16(buf[60:62], 0)
	order.PutUint16(buf[62:64], 0)

	phOff := phoff
	order.PutUint32(buf[phOff:phOff+4], 1) // PT_LOAD
	order.PutUint32(buf[phOff+4:phOff+8], 5)
	order.PutUint64(buf[phOff+8:phOff+16], uint64(loadDataOffset))
	order.PutUint64(buf[phOff+16:phOff+24], 0x400000)
	order.PutUint64(buf[phOff+24:phOff+32], 0x400000)
	order.PutUint64(buf[phOff+32:phOff+40], uint64(loadDataSize))
	order.PutUint64(buf[phOff+40:phOff+48], uint64(loadDataSize))
	order.PutUint64(buf[phOff+48:phOff+56], 0x1000)

	for i := 0; i < loadDataSize; i++ {
		buf[loadDataOffset+i] = byte(i)
	}
	return buf
}

func TestAppendViaProgramHeaderWhenRoomExists(t *testing.T) {
	stub := buildFakeELF(t, ehSize64, 256, 64)
	trailer := bytes.Repeat([]byte{0xCD}, 32)

	out, err := Adapter{}.Append(stub, trailer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	order := binary.LittleEndian
	phnum := order.Uint16(out[56:58])
	if phnum != 2 {
		t.Fatalf("e_phnum = %d, want 2", phnum)
	}

	newPhOff := ehSize64 + phEntry64
	ptype := order.Uint32(out[newPhOff : newPhOff+4])
	if ptype != ptNote {
		t.Fatalf("new phdr type = %d, want PT_NOTE", ptype)
	}
	pOffset := order.Uint64(out[newPhOff+8 : newPhOff+16])
	pFilesz := order.Uint64(out[newPhOff+32 : newPhOff+40])
	if pFilesz != uint64(len(trailer)) {
		t.Fatalf("p_filesz = %d, want %d", pFilesz, len(trailer))
	}
	if !bytes.Equal(out[pOffset:pOffset+pFilesz], trailer) {
		t.Fatal("trailer bytes not recoverable at declared p_offset")
	}
}

func TestAppendFallsBackToSectionHeaderWithoutRoom(t *testing.T) {
	// Program header table immediately abuts the load segment data: no slack.
	stub := buildFakeELF(t, ehSize64, ehSize64+phEntry64, 16)
	order := binary.LittleEndian

	// Give it a (degenerate, zero-entry) section header table to append to.
	shoff := len(stub)
	stub = append(stub, make([]byte, 0)...)
	order.PutUint64(stub[40:48], uint64(shoff))
	order.PutUint16(stub[58:60], shEntry64)
	order.PutUint16(stub[60:62], 0)

	trailer := []byte("trailer-bytes")
	out, err := Adapter{}.Append(stub, trailer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	shnum := order.Uint16(out[60:62])
	if shnum != 1 {
		t.Fatalf("e_shnum = %d, want 1", shnum)
	}
	newShoff := order.Uint64(out[40:48])
	shType := order.Uint32(out[newShoff+4 : newShoff+8])
	if shType != shtNote {
		t.Fatalf("sh_type = %d, want SHT_NOTE", shType)
	}
	shOffset := order.Uint64(out[newShoff+24 : newShoff+32])
	shSize := order.Uint64(out[newShoff+32 : newShoff+40])
	if !bytes.Equal(out[shOffset:shOffset+shSize], trailer) {
		t.Fatal("trailer bytes not recoverable at declared sh_offset")
	}
}

func TestAppendRejectsBadMagic(t *testing.T) {
	if _, err := (Adapter{}).Append(make([]byte, 64), []byte("x")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
