package machofmt

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/go-dwarf"

	"github.com/socketsecurity/smol/internal/format"
)

const (
	sectionHeader64Size = 80 // sectname[16] segname[16] addr size offset align reloff nreloc flags reserved1-3
)

// DebugSections walks every LC_SEGMENT_64's section table looking for
// DWARF debug sections (the "__debug_*" name convention Apple's linker
// uses), returning them keyed the way debug/dwarf's constructor expects.
// This mirrors the section-gathering half of the teacher's own File.DWARF
// method (file.go), adapted to operate on a raw byte image rather than a
// parsed File, since this adapter never builds one.
func DebugSections(stub []byte) (map[string][]byte, error) {
	order, err := byteOrder(stub)
	if err != nil {
		return nil, err
	}
	if len(stub) < fileHeaderSize64 {
		return nil, format.ErrBadMagic
	}

	ncmds := order.Uint32(stub[16:20])
	dat := map[string][]byte{}

	offset := fileHeaderSize64
	for i := 0; i < int(ncmds); i++ {
		if offset+8 > len(stub) {
			break
		}
		cmd := order.Uint32(stub[offset : offset+4])
		cmdsize := order.Uint32(stub[offset+4 : offset+8])
		if cmdsize < 8 || offset+int(cmdsize) > len(stub) {
			break
		}
		if cmd == lcSegment64 {
			collectSections(stub, order, offset, dat)
		}
		offset += int(cmdsize)
	}
	return dat, nil
}

func collectSections(stub []byte, order binary.ByteOrder, segOffset int, dat map[string][]byte) {
	if segOffset+segCmd64Size > len(stub) {
		return
	}
	nsects := int(order.Uint32(stub[segOffset+64 : segOffset+68]))
	base := segOffset + segCmd64Size
	for i := 0; i < nsects; i++ {
		secOffset := base + i*sectionHeader64Size
		if secOffset+sectionHeader64Size > len(stub) {
			return
		}
		name := cString(stub[secOffset : secOffset+16])
		suffix := debugSuffix(name)
		if suffix == "" {
			continue
		}
		// section_64: sectname[16] segname[16] addr(8) size(8) offset(4) ...
		size := order.Uint64(stub[secOffset+40 : secOffset+48])
		fileOff := order.Uint32(stub[secOffset+48 : secOffset+52])
		if uint64(fileOff)+size > uint64(len(stub)) {
			continue
		}
		dat[suffix] = stub[fileOff : uint64(fileOff)+size]
	}
}

func debugSuffix(name string) string {
	switch {
	case strings.HasPrefix(name, "__debug_"):
		return name[len("__debug_"):]
	case strings.HasPrefix(name, "__zdebug_"):
		return name[len("__zdebug_"):]
	default:
		return ""
	}
}

func cString(b []byte) string {
	if idx := indexZero(b); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// HasDebugInfo reports whether stub still carries DWARF debug sections,
// i.e. it has not been stripped.
func HasDebugInfo(stub []byte) (bool, error) {
	dat := map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	sections, err := debugSectionsInto(stub, dat)
	if err != nil {
		return false, err
	}
	return sections["info"] != nil, nil
}

func debugSectionsInto(stub []byte, dat map[string][]byte) (map[string][]byte, error) {
	found, err := DebugSections(stub)
	if err != nil {
		return nil, err
	}
	for k, v := range found {
		if _, want := dat[k]; want {
			dat[k] = v
		}
	}
	return dat, nil
}

// LoadDWARF parses stub's DWARF sections via blacktop/go-dwarf (an
// API-compatible fork of the standard library's debug/dwarf used elsewhere
// in the corpus for Apple-specific extensions), returning nil if the image
// has no debug_info section at all rather than erroring.
func LoadDWARF(stub []byte) (*dwarf.Data, error) {
	dat := map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	dat, err := debugSectionsInto(stub, dat)
	if err != nil {
		return nil, err
	}
	if dat["info"] == nil {
		return nil, nil
	}
	return dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
}
