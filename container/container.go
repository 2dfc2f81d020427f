// Package container demultiplexes a GPU driver-loaded byte blob into
// per-architecture machine-code images and high-level IR images.
//
// License: GPLv3 or later
package container

import (
	"encoding/binary"
	"fmt"
)

// ImageKind distinguishes the payload carried by one sub-image.
type ImageKind int

const (
	KindUnknown ImageKind = iota
	KindMachineCode
	KindIR
)

// BlobKind classifies the top-level byte blob the driver handed over.
type BlobKind int

const (
	BlobUnknown BlobKind = iota
	BlobFatContainer
	BlobSingleMachineCode
	BlobTextIR
)

// MachineImage is one per-architecture machine-code (ELF-flavored) image
// extracted from a fat container, or a bare single-image blob.
type MachineImage struct {
	Arch  string
	Bytes []byte
}

// IrImage is one textual intermediate-representation image (e.g. PTX),
// JIT-compiled by the driver rather than executed directly.
type IrImage struct {
	Arch string
	Text []byte
}

// ParseResult holds everything demultiplexed out of one driver blob.
type ParseResult struct {
	MachineImages []MachineImage
	IrImages      []IrImage
}

var (
	fatbinMagic = []byte{0x50, 0xed, 0x55, 0xba} // documented fat-binary magic used by this family
	elfMagic    = []byte{0x7f, 'E', 'L', 'F'}
)

// IdentifyBlob classifies a raw blob by magic bytes / ELF class / header,
// before any further parsing is attempted.
func IdentifyBlob(blob []byte) BlobKind {
	switch {
	case len(blob) >= 4 && bytesEqual(blob[:4], fatbinMagic):
		return BlobFatContainer
	case len(blob) >= 4 && bytesEqual(blob[:4], elfMagic):
		return BlobSingleMachineCode
	case len(blob) > 0 && looksLikeText(blob):
		return BlobTextIR
	default:
		return BlobUnknown
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func looksLikeText(blob []byte) bool {
	limit := len(blob)
	if limit > 64 {
		limit = 64
	}
	for _, b := range blob[:limit] {
		if b == 0 {
			return false
		}
		if b < 0x09 || (b > 0x0d && b < 0x20 && b != 0x1b) {
			return false
		}
	}
	return true
}

// subImageHeader is the fixed-size directory entry describing one embedded
// image inside a fat container.
type subImageHeader struct {
	ArchTag    string
	Kind       ImageKind
	Compressed bool
	CompSize   uint32
	DecompSize uint32
	offset, size int
}

const directoryEntrySize = 32

// walkDirectory reads the fat container's internal directory of sub-images.
// The directory format: a 4-byte magic, a uint32 entry count, then that many
// fixed-size entries: [8]byte zero-padded archTag, uint8 kind, uint8
// compressed flag, two padding bytes, then uint32 compSize, uint32
// decompSize, uint32 offset, each packed little-endian with padding to
// directoryEntrySize bytes.
func walkDirectory(blob []byte) ([]subImageHeader, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("container: blob too small for fat directory")
	}
	count   := binary.LittleEndian.Uint32(blob[4:8])
	headers := make([]subImageHeader, 0, count)
	cursor  := 8
	for i := uint32(0); i < count; i++ {
		if cursor+directoryEntrySize > len(blob) {
			return headers, fmt.Errorf("container: directory entry %d truncated", i)
		}
		entry      := blob[cursor : cursor+directoryEntrySize]
		archTag    := trimZero(entry[0:8])
		kindByte   := entry[8]
		compressed := entry[9] != 0
		compSize   := binary.LittleEndian.Uint32(entry[12:16])
		decompSize := binary.LittleEndian.Uint32(entry[16:20])
		offset     := binary.LittleEndian.Uint32(entry[20:24])

		kind := KindMachineCode
		if kindByte == 1 {
			kind = KindIR
		}
		headers = append(headers, subImageHeader{
			ArchTag: archTag,
			Kind: kind,
			Compressed: compressed,
			CompSize: compSize,
			DecompSize: decompSize,
			offset: int(offset),
			size: int(compSize),
		})
		cursor += directoryEntrySize
	}
	return headers, nil
}

func trimZero(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// Parse demultiplexes blob into its constituent machine-code and IR images.
// Malformed individual sub-images are rejected without aborting the rest of
// the container.
func Parse(blob []byte) (*ParseResult, error) {
	result := &ParseResult{}

	switch IdentifyBlob(blob) {
	case BlobSingleMachineCode:
		result.MachineImages = append(result.MachineImages, MachineImage{Arch: "", Bytes: blob})
		return result, nil
	case BlobTextIR:
		result.IrImages = append(result.IrImages, IrImage{Arch: "", Text: blob})
		return result, nil
	case BlobFatContainer:
		// fall through to directory walk below
	default:
		return nil, fmt.Errorf("container: unrecognized blob kind")
	}

	headers, err := walkDirectory(blob)
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		if h.offset < 0 || h.offset+h.size > len(blob) || h.size < 0 {
			continue // malformed sub-image directory entry, skip and continue
		}
		payload := blob[h.offset : h.offset+h.size]
		if h.Compressed {
			payload, err = DecodeLZ4(payload, int(h.DecompSize))
			if err != nil {
				continue // malformed compressed sub-image, skip and continue
			}
		}
		switch h.Kind {
		case KindIR:
			result.IrImages = append(result.IrImages, IrImage{Arch: h.ArchTag, Text: payload})
		default:
			if err := ValidateELF(payload); err != nil {
				continue // rejected sub-image; rest of the container still parses
			}
			result.MachineImages = append(result.MachineImages, MachineImage{Arch: h.ArchTag, Bytes: payload})
		}
	}
	return result, nil
}
