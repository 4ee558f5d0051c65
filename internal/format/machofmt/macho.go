// Package machofmt is the Mach-O binary-format adapter: it appends a
// trailer to a stripped Mach-O executable by synthesizing a new
// LC_SEGMENT_64 load command that points past the end of the mapped image,
// then re-applies an ad-hoc code signature.
//
// Load-command field layouts follow the teacher library's
// (blacktop/go-macho) types/header.go and types/commands.go; the ad-hoc
// signing blob follows the CSSuperBlob/CodeDirectory shapes used by the Go
// toolchain's own Mach-O signer (golang-scratch's codesign.go reference).
package machofmt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/socketsecurity/smol/internal/format"
)

// Mach-O magics.
const (
	magic32    = 0xfeedface
	magic64    = 0xfeedfacf
	cigam32    = 0xcefaedfe
	cigam64    = 0xcffaedfe
	magicFat   = 0xcafebabe
)

const (
	fileHeaderSize64 = 32
	segCmd64Size     = 72 // 2*4 cmd/cmdsize + 16 segname + 4*8 addr/size + 4*4 prot/nsects/flags
	segnameLen       = 16

	lcSegment64 = 0x19

	pageAlign = 4096
)

var trailerSegName = padSegName("__SMOL_TRAILER")

func padSegName(s string) [segnameLen]byte {
	var out [segnameLen]byte
	copy(out[:], s)
	return out
}

// loadCmdHeader is the common (cmd, cmdsize) prefix of every load command.
type loadCmdHeader struct {
	Cmd     uint32
	CmdSize uint32
}

// segmentCommand64 mirrors Mach-O's segment_command_64.
type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [segnameLen]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

func (s *segmentCommand64) marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, segCmd64Size)
	order.PutUint32(buf[0:4], s.Cmd)
	order.PutUint32(buf[4:8], s.CmdSize)
	copy(buf[8:24], s.SegName[:])
	order.PutUint64(buf[24:32], s.VMAddr)
	order.PutUint64(buf[32:40], s.VMSize)
	order.PutUint64(buf[40:48], s.FileOff)
	order.PutUint64(buf[48:56], s.FileSize)
	order.PutUint32(buf[56:60], s.MaxProt)
	order.PutUint32(buf[60:64], s.InitProt)
	order.PutUint32(buf[64:68], s.NSects)
	order.PutUint32(buf[68:72], s.Flags)
	return buf
}

// Adapter implements format.Adapter for Mach-O stubs.
type Adapter struct{}

var _ format.Adapter = Adapter{}

var (
	// ErrNot64Bit is returned for 32-bit or fat Mach-O inputs; the stub
	// toolchain only ever emits 64-bit single-arch stubs.
	ErrNot64Bit = errors.New("machofmt: only 64-bit thin Mach-O stubs are supported")
)

// Append synthesizes a new LC_SEGMENT_64 covering the trailer and appends
// the trailer bytes, then re-applies an ad-hoc code signature.
func (Adapter) Append(stub []byte, trailer []byte) ([]byte, error) {
	if len(stub) < fileHeaderSize64 {
		return nil, fmt.Errorf("%w: stub smaller than a Mach-O header", format.ErrBadMagic)
	}
	// The fat header is always stored big-endian on disk.
	if binary.BigEndian.Uint32(stub[0:4]) == magicFat {
		return nil, ErrNot64Bit
	}

	order, err := byteOrder(stub)
	if err != nil {
		return nil, err
	}

	magic := order.Uint32(stub[0:4])
	if magic != magic64 && magic != cigam64 {
		if magic == magic32 || magic == magicFat {
			return nil, ErrNot64Bit
		}
		return nil, fmt.Errorf("%w: magic=%#x", format.ErrBadMagic, magic)
	}

	ncmds := order.Uint32(stub[16:20])
	sizeofcmds := order.Uint32(stub[20:24])

	loadCmdsEnd := fileHeaderSize64 + int(sizeofcmds)
	firstDataOffset, err := firstSegmentDataOffset(stub, order, fileHeaderSize64, int(ncmds))
	if err != nil {
		return nil, err
	}

	gap := firstDataOffset - loadCmdsEnd
	if gap < segCmd64Size {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", format.ErrNoSpaceInHeaderTable, segCmd64Size, gap)
	}

	// The new segment is never mapped (vmaddr/vmsize zero) and points at
	// the trailer, which will sit at the current end of the stub file.
	newSeg := segmentCommand64{
		Cmd:      lcSegment64,
		CmdSize:  segCmd64Size,
		SegName:  trailerSegName,
		VMAddr:   0,
		VMSize:   0,
		FileOff:  uint64(len(stub)),
		FileSize: uint64(len(trailer)),
		MaxProt:  0,
		InitProt: 0,
		NSects:   0,
		Flags:    0,
	}

	// The new command overwrites the zero-padding slack between the load
	// command table and the first section's data rather than being
	// inserted, so every existing fileoff past that point stays valid.
	out := make([]byte, 0, len(stub)+len(trailer))
	out = append(out, stub[:loadCmdsEnd]...)
	out = append(out, newSeg.marshal(order)...)
	out = append(out, stub[loadCmdsEnd+segCmd64Size:]...)
	out = append(out, trailer...)

	order.PutUint32(out[16:20], ncmds+1)
	order.PutUint32(out[20:24], sizeofcmds+segCmd64Size)

	return Resign(out, order)
}

func byteOrder(stub []byte) (binary.ByteOrder, error) {
	magic := binary.LittleEndian.Uint32(stub[0:4])
	switch magic {
	case magic64, magic32, magicFat:
		return binary.LittleEndian, nil
	case cigam64, cigam32:
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: magic=%#x", format.ErrBadMagic, magic)
}

// firstSegmentDataOffset walks the load commands looking for the smallest
// fileoff among LC_SEGMENT_64 segments with a non-zero filesize, which is
// where the first section's bytes begin and therefore the hard boundary the
// new load command must fit before.
func firstSegmentDataOffset(stub []byte, order binary.ByteOrder, start, ncmds int) (int, error) {
	offset := start
	best := len(stub)
	for i := 0; i < ncmds; i++ {
		if offset+8 > len(stub) {
			return 0, fmt.Errorf("%w: load command table truncated", format.ErrBadMagic)
		}
		cmd := order.Uint32(stub[offset : offset+4])
		cmdsize := order.Uint32(stub[offset+4 : offset+8])
		if cmdsize < 8 || offset+int(cmdsize) > len(stub) {
			return 0, fmt.Errorf("%w: malformed load command size", format.ErrBadMagic)
		}
		if cmd == lcSegment64 && offset+segCmd64Size <= len(stub) {
			fileoff := order.Uint64(stub[offset+40 : offset+48])
			filesize := order.Uint64(stub[offset+48 : offset+56])
			if filesize > 0 && int(fileoff) < best {
				best = int(fileoff)
			}
		}
		offset += int(cmdsize)
	}
	return best, nil
}

// indexOfLoadCommand returns the byte offset of the first load command
// matching cmd, or -1.
func indexOfLoadCommand(stub []byte, order binary.ByteOrder, start, ncmds int, cmd uint32) int {
	offset := start
	for i := 0; i < ncmds; i++ {
		if offset+8 > len(stub) {
			return -1
		}
		c := order.Uint32(stub[offset : offset+4])
		cmdsize := order.Uint32(stub[offset+4 : offset+8])
		if c == cmd {
			return offset
		}
		offset += int(cmdsize)
	}
	return -1
}
