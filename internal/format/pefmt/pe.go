// Package pefmt is the PE binary-format adapter. Its header field layout is
// grounded on the saferwall/pe ImageNtHeader/ImageFileHeader/
// ImageOptionalHeader64 struct shapes; Append appends a ".smol" section
// carrying the trailer, fixes NumberOfSections and SizeOfImage, and zeros
// the optional header checksum (the loader doesn't verify it, but leaving a
// stale value is the kind of thing that makes a binary look tampered with).
package pefmt

import (
	"encoding/binary"
	"fmt"

	"github.com/socketsecurity/smol/internal/format"
)

const (
	dosLfanewOffset = 0x3c
	fileHeaderSize  = 20
	sectionHeaderSz = 40

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	scnCntInitializedData = 0x00000040
	scnMemRead            = 0x40000000

	sectionName = ".smol\x00\x00\x00"
)

// Adapter implements format.Adapter for PE stubs.
type Adapter struct{}

var _ format.Adapter = Adapter{}

func (Adapter) Append(stub []byte, trailer []byte) ([]byte, error) {
	if len(stub) < dosLfanewOffset+4 || stub[0] != 'M' || stub[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ magic", format.ErrBadMagic)
	}
	order := binary.LittleEndian

	peOffset := int(order.Uint32(stub[dosLfanewOffset : dosLfanewOffset+4]))
	if peOffset+4 > len(stub) || stub[peOffset] != 'P' || stub[peOffset+1] != 'E' || stub[peOffset+2] != 0 || stub[peOffset+3] != 0 {
		return nil, fmt.Errorf("%w: missing PE00 signature", format.ErrBadMagic)
	}

	fileHeaderOffset := peOffset + 4
	if fileHeaderOffset+fileHeaderSize > len(stub) {
		return nil, fmt.Errorf("%w: truncated COFF file header", format.ErrBadMagic)
	}
	numberOfSections := order.Uint16(stub[fileHeaderOffset+2 : fileHeaderOffset+4])
	sizeOfOptionalHeader := order.Uint16(stub[fileHeaderOffset+16 : fileHeaderOffset+18])

	optHeaderOffset := fileHeaderOffset + fileHeaderSize
	if optHeaderOffset+int(sizeOfOptionalHeader) > len(stub) {
		return nil, fmt.Errorf("%w: truncated optional header", format.ErrBadMagic)
	}
	magic := order.Uint16(stub[optHeaderOffset : optHeaderOffset+2])
	if magic != magicPE32 && magic != magicPE32Plus {
		return nil, fmt.Errorf("%w: unrecognized optional header magic=%#x", format.ErrBadMagic, magic)
	}

	sectionAlignment := order.Uint32(stub[optHeaderOffset+32 : optHeaderOffset+36])
	fileAlignment := order.Uint32(stub[optHeaderOffset+36 : optHeaderOffset+40])
	if sectionAlignment == 0 {
		sectionAlignment = 0x1000
	}
	if fileAlignment == 0 {
		fileAlignment = 0x200
	}

	sectionTableOffset := optHeaderOffset + int(sizeOfOptionalHeader)
	sectionTableEnd := sectionTableOffset + sectionHeaderSz*int(numberOfSections)
	if sectionTableEnd > len(stub) {
		return nil, fmt.Errorf("%w: truncated section table", format.ErrBadMagic)
	}

	firstDataOffset, lastVA, lastVSize, err := scanSections(stub, order, sectionTableOffset, int(numberOfSections))
	if err != nil {
		return nil, err
	}
	if gap := firstDataOffset - sectionTableEnd; gap < sectionHeaderSz {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", format.ErrNoSpaceInHeaderTable, sectionHeaderSz, gap)
	}

	newVA := alignUp(lastVA+lastVSize, sectionAlignment)
	rawSize := alignUp(uint32(len(trailer)), fileAlignment)

	padded := stub
	if pad := alignUp(uint32(len(padded)), fileAlignment) - uint32(len(padded)); pad > 0 {
		padded = append(append([]byte{}, padded...), make([]byte, pad)...)
	}
	rawPtr := uint32(len(padded))

	newSection := make([]byte, sectionHeaderSz)
	copy(newSection[0:8], sectionName)
	order.PutUint32(newSection[8:12], uint32(len(trailer))) // VirtualSize
	order.PutUint32(newSection[12:16], newVA)
	order.PutUint32(newSection[16:20], rawSize)
	order.PutUint32(newSection[20:24], rawPtr)
	order.PutUint32(newSection[24:28], 0) // PointerToRelocations
	order.PutUint32(newSection[28:32], 0) // PointerToLinenumbers
	order.PutUint16(newSection[32:34], 0)
	order.PutUint16(newSection[34:36], 0)
	order.PutUint32(newSection[36:40], scnCntInitializedData|scnMemRead)

	out := make([]byte, 0, len(padded)+sectionHeaderSz+int(rawSize))
	out = append(out, stub[:sectionTableEnd]...)
	out = append(out, newSection...)
	out = append(out, stub[sectionTableEnd+sectionHeaderSz:len(stub)]...)
	if len(padded) > len(stub) {
		out = append(out, padded[len(stub):]...)
	}
	out = append(out, trailer...)
	if pad := int(rawSize) - len(trailer); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}

	order.PutUint16(out[fileHeaderOffset+2:fileHeaderOffset+4], numberOfSections+1)
	order.PutUint32(out[optHeaderOffset+56:optHeaderOffset+60], alignUp(newVA+uint32(len(trailer)), sectionAlignment)) // SizeOfImage
	order.PutUint32(out[optHeaderOffset+64:optHeaderOffset+68], 0)                                                     // CheckSum

	return out, nil
}

// scanSections returns the smallest PointerToRawData among sections with
// non-zero SizeOfRawData, plus the VirtualAddress/VirtualSize of the
// highest-addressed section (used to place the new section's RVA).
func scanSections(stub []byte, order binary.ByteOrder, tableOffset, count int) (firstDataOffset int, lastVA, lastVSize uint32, err error) {
	firstDataOffset = len(stub)
	for i := 0; i < count; i++ {
		off := tableOffset + i*sectionHeaderSz
		if off+sectionHeaderSz > len(stub) {
			return 0, 0, 0, fmt.Errorf("%w: section header table truncated", format.ErrBadMagic)
		}
		va := order.Uint32(stub[off+12 : off+16])
		vsize := order.Uint32(stub[off+8 : off+12])
		rawSize := order.Uint32(stub[off+16 : off+20])
		rawPtr := order.Uint32(stub[off+20 : off+24])
		if rawSize > 0 && int(rawPtr) < firstDataOffset {
			firstDataOffset = int(rawPtr)
		}
		if va >= lastVA {
			lastVA, lastVSize = va, vsize
		}
	}
	return firstDataOffset, lastVA, lastVSize, nil
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
