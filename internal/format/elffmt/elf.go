// Package elffmt is the ELF binary-format adapter. Append inserts a PT_NOTE
// program header describing the trailer when the program header table has
// slack, and falls back to relocating the section header table and adding an
// SHT_NOTE section when it doesn't — section headers are load-irrelevant, so
// moving them never changes what the kernel maps. Either entry covers the
// raw trailer bytes: no note header (namesz/descsz/type, vendor name) is
// written in front of them.
package elffmt

import (
	"encoding/binary"
	"fmt"

	"github.com/socketsecurity/smol/internal/format"
)

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'

	eiClassOffset = 4
	eiDataOffset  = 5
	elfClass64    = 2
	elfData2LSB   = 1
	elfData2MSB   = 2

	ehSize64 = 64
	phEntry64 = 56
	shEntry64 = 64

	ptNote  = 4
	shtNote = 7
)

// Adapter implements format.Adapter for ELF stubs.
type Adapter struct{}

var _ format.Adapter = Adapter{}

func (Adapter) Append(stub []byte, trailer []byte) ([]byte, error) {
	if len(stub) < ehSize64 {
		return nil, fmt.Errorf("%w: stub smaller than an ELF64 header", format.ErrBadMagic)
	}
	if stub[0] != elfMagic0 || stub[1] != elfMagic1 || stub[2] != elfMagic2 || stub[3] != elfMagic3 {
		return nil, fmt.Errorf("%w: missing \\x7fELF magic", format.ErrBadMagic)
	}
	if stub[eiClassOffset] != elfClass64 {
		return nil, fmt.Errorf("%w: only ELFCLASS64 stubs are supported", format.ErrUnsupportedFormat)
	}

	order, err := byteOrder(stub)
	if err != nil {
		return nil, err
	}

	phoff := order.Uint64(stub[32:40])
	shoff := order.Uint64(stub[40:48])
	phentsize := order.Uint16(stub[54:56])
	phnum := order.Uint16(stub[56:58])
	shentsize := order.Uint16(stub[58:60])
	shnum := order.Uint16(stub[60:62])

	if int(phentsize) != phEntry64 {
		return nil, fmt.Errorf("%w: unexpected e_phentsize=%d", format.ErrBadMagic, phentsize)
	}

	phTableEnd := int(phoff) + int(phentsize)*int(phnum)
	firstLoadOffset, err := firstLoadDataOffset(stub, order, int(phoff), int(phnum))
	if err != nil {
		return nil, err
	}

	if gap := firstLoadOffset - phTableEnd; gap >= phEntry64 {
		return appendViaProgramHeader(stub, trailer, order, phoff, phnum, phTableEnd)
	}

	if shoff == 0 || shentsize == 0 {
		return nil, fmt.Errorf("%w: no phdr room and stub carries no section header table", format.ErrNoSpaceInHeaderTable)
	}
	return appendViaSectionHeader(stub, trailer, order, shoff, shentsize, shnum)
}

func byteOrder(stub []byte) (binary.ByteOrder, error) {
	switch stub[eiDataOffset] {
	case elfData2LSB:
		return binary.LittleEndian, nil
	case elfData2MSB:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: invalid EI_DATA", format.ErrBadMagic)
	}
}

// firstLoadDataOffset returns the smallest p_offset among PT_LOAD segments
// with non-zero p_filesz: the hard boundary before which any new program
// header must fit.
func firstLoadDataOffset(stub []byte, order binary.ByteOrder, phoff, phnum int) (int, error) {
	best := len(stub)
	for i := 0; i < phnum; i++ {
		off := phoff + i*phEntry64
		if off+phEntry64 > len(stub) {
			return 0, fmt.Errorf("%w: program header table truncated", format.ErrBadMagic)
		}
		ptype := order.Uint32(stub[off : off+4])
		pOffset := order.Uint64(stub[off+8 : off+16])
		pFilesz := order.Uint64(stub[off+32 : off+40])
		if ptype == 1 /* PT_LOAD */ && pFilesz > 0 && int(pOffset) < best {
			best = int(pOffset)
		}
	}
	return best, nil
}

func appendViaProgramHeader(stub, trailer []byte, order binary.ByteOrder, phoff uint64, phnum uint16, phTableEnd int) ([]byte, error) {
	newPhdr := make([]byte, phEntry64)
	order.PutUint32(newPhdr[0:4], ptNote)
	order.PutUint32(newPhdr[4:8], 0)                        // p_flags
	order.PutUint64(newPhdr[8:16], uint64(len(stub)))        // p_offset
	order.PutUint64(newPhdr[16:24], 0)                       // p_vaddr
	order.PutUint64(newPhdr[24:32], 0)                       // p_paddr
	order.PutUint64(newPhdr[32:40], uint64(len(trailer)))    // p_filesz
	order.PutUint64(newPhdr[40:48], 0)                       // p_memsz
	order.PutUint64(newPhdr[48:56], 4)                       // p_align

	// The new header overwrites the zero-padding slack between the program
	// header table and the first PT_LOAD segment's data rather than being
	// inserted, so every existing p_offset past that point stays valid.
	out := make([]byte, 0, len(stub)+len(trailer))
	out = append(out, stub[:phTableEnd]...)
	out = append(out, newPhdr...)
	out = append(out, stub[phTableEnd+phEntry64:]...)
	out = append(out, trailer...)

	order.PutUint16(out[56:58], phnum+1)
	return out, nil
}

func appendViaSectionHeader(stub, trailer []byte, order binary.ByteOrder, shoff uint64, shentsize, shnum uint16) ([]byte, error) {
	if int(shentsize) != shEntry64 {
		return nil, fmt.Errorf("%w: unexpected e_shentsize=%d", format.ErrBadMagic, shentsize)
	}
	shTableEnd := int(shoff) + int(shentsize)*int(shnum)
	if shTableEnd > len(stub) {
		return nil, fmt.Errorf("%w: section header table truncated", format.ErrBadMagic)
	}

	trailerOffset := uint64(len(stub))
	newShdr := make([]byte, shEntry64)
	order.PutUint32(newShdr[0:4], 0) // sh_name: empty string at strtab[0]
	order.PutUint32(newShdr[4:8], shtNote)
	order.PutUint64(newShdr[8:16], 0)              // sh_flags
	order.PutUint64(newShdr[16:24], 0)              // sh_addr
	order.PutUint64(newShdr[24:32], trailerOffset)  // sh_offset
	order.PutUint64(newShdr[32:40], uint64(len(trailer)))
	order.PutUint32(newShdr[40:44], 0) // sh_link
	order.PutUint32(newShdr[44:48], 0) // sh_info
	order.PutUint64(newShdr[48:56], 1) // sh_addralign
	order.PutUint64(newShdr[56:64], 0) // sh_entsize

	// Relocate the whole section header table after the trailer: its
	// current position is load-irrelevant, only e_shoff matters.
	newShoff := trailerOffset + uint64(len(trailer))

	out := make([]byte, 0, len(stub)+len(trailer)+int(shentsize)*(int(shnum)+1))
	out = append(out, stub...)
	out = append(out, trailer...)
	out = append(out, stub[shoff:shTableEnd]...)
	out = append(out, newShdr...)

	order.PutUint64(out[40:48], newShoff)
	order.PutUint16(out[60:62], shnum+1)
	return out, nil
}
