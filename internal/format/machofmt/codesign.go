package machofmt

import (
	"crypto/sha256"
	"encoding/binary"
)

// Ad-hoc code signature constants, named as in the pkg/codesign shape this
// adapter is grounded on (magic numbers are from Apple's cs_blobs.h, widely
// mirrored across the corpus's Mach-O tooling).
const (
	csMagicCodeDirectory    = 0xfade0c02
	csMagicEmbeddedSig      = 0xfade0cc0
	csSlotCodeDirectory     = 0
	csAdhoc                 = 0x00000002
	csLinkerSigned          = 0x00020000
	csHashTypeSHA256        = 2
	csHashSizeSHA256        = 32
	codeDirectoryVersion    = 0x20400
	codeSignaturePageSizeLg = 12 // log2(4096)

	lcCodeSignature = 0x1d

	linkeditDataCmdSize = 16 // cmd, cmdsize, dataoff, datasize
)

// Resign re-applies an ad-hoc (self-signed, issuer-less) code signature
// after Append invalidates whatever signature the stub carried. If the stub
// has no LC_CODE_SIGNATURE command to begin with (unsigned, non-Apple-Silicon
// target) this is a no-op: nothing depends on it being present.
func Resign(image []byte, order binary.ByteOrder) ([]byte, error) {
	ncmds := order.Uint32(image[16:20])
	csCmdOffset := indexOfLoadCommand(image, order, fileHeaderSize64, int(ncmds), lcCodeSignature)
	if csCmdOffset < 0 {
		return image, nil
	}

	sigOffset := uint32(len(image))
	sigBlob := buildAdhocSignature(image, sigOffset)

	order.PutUint32(image[csCmdOffset+8:csCmdOffset+12], sigOffset)
	order.PutUint32(image[csCmdOffset+12:csCmdOffset+16], uint32(len(sigBlob)))

	return append(image, sigBlob...), nil
}

// buildAdhocSignature builds a minimal embedded-signature SuperBlob
// containing a single CodeDirectory over [0, codeLimit), hashed in
// 4096-byte pages. Requirements, entitlements and CMS blobs are omitted,
// exactly what "ad-hoc" means: no issuer, nothing beyond self-consistency.
func buildAdhocSignature(image []byte, codeLimit uint32) []byte {
	pageSize := 1 << codeSignaturePageSizeLg
	nCodeSlots := (int(codeLimit) + pageSize - 1) / pageSize

	cdHeaderSize := 44 // fixed CodeDirectory header fields through hashOffset computation
	hashOffset := cdHeaderSize
	cdSize := hashOffset + nCodeSlots*csHashSizeSHA256

	superBlobSize := 12 /* SuperBlob header */ + 8 /* one BlobIndex */ + cdSize

	buf := make([]byte, superBlobSize)
	binary.BigEndian.PutUint32(buf[0:4], csMagicEmbeddedSig)
	binary.BigEndian.PutUint32(buf[4:8], uint32(superBlobSize))
	binary.BigEndian.PutUint32(buf[8:12], 1) // one blob: the CodeDirectory

	binary.BigEndian.PutUint32(buf[12:16], csSlotCodeDirectory)
	cdOffset := uint32(20)
	binary.BigEndian.PutUint32(buf[16:20], cdOffset)

	cd := buf[cdOffset:]
	binary.BigEndian.PutUint32(cd[0:4], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(cd[4:8], uint32(cdSize))
	binary.BigEndian.PutUint32(cd[8:12], codeDirectoryVersion)
	binary.BigEndian.PutUint32(cd[12:16], csAdhoc|csLinkerSigned)
	binary.BigEndian.PutUint32(cd[16:20], uint32(hashOffset))
	binary.BigEndian.PutUint32(cd[20:24], uint32(cdSize)) // identOffset, unused (empty ident)
	binary.BigEndian.PutUint32(cd[24:28], 0)              // nSpecialSlots
	binary.BigEndian.PutUint32(cd[28:32], uint32(nCodeSlots))
	binary.BigEndian.PutUint32(cd[32:36], codeLimit)
	cd[36] = csHashSizeSHA256
	cd[37] = csHashTypeSHA256
	cd[38] = 0
	cd[39] = codeSignaturePageSizeLg
	binary.BigEndian.PutUint32(cd[40:44], 0) // reserved

	for slot := 0; slot < nCodeSlots; slot++ {
		start := slot * pageSize
		end := start + pageSize
		if end > int(codeLimit) {
			end = int(codeLimit)
		}
		sum := sha256.Sum256(image[start:end])
		copy(cd[hashOffset+slot*csHashSizeSHA256:], sum[:])
	}

	return buf
}
