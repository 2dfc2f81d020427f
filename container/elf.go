// elf.go - sub-image ELF validation and conservative size estimation,
// needed because a driver blob's exact length is not always known up
// front.

package container

import (
	"encoding/binary"
	"fmt"
)

const (
	elfClass32 = 1
	elfClass64 = 2
)

// elfHeader64 captures the subset of the ELF64 header this validator and
// the size estimator need.
type elfHeader64 struct {
	class     byte
	data      byte // 1 = little endian, 2 = big endian
	shoff     uint64
	phoff     uint64
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// ValidateELF checks ELF magic, class, identification, section count, and
// the section-header-string-table index. Any malformed field causes
// rejection; this does not attempt full structural validation.
func ValidateELF(bytes []byte) error {
	if len(bytes) < 64 {
		return fmt.Errorf("elf: blob too small for ELF64 header")
	}
	if !bytesEqual(bytes[0:4], elfMagic) {
		return fmt.Errorf("elf: bad magic")
	}
	class := bytes[4]
	if class != elfClass32 && class != elfClass64 {
		return fmt.Errorf("elf: invalid class %d", class)
	}
	if class == elfClass32 {
		return fmt.Errorf("elf: 32-bit ELF sub-images are not supported by this target family")
	}
	data := bytes[5]
	if data != 1 && data != 2 {
		return fmt.Errorf("elf: invalid data encoding %d", data)
	}
	version := bytes[6]
	if version != 1 {
		return fmt.Errorf("elf: invalid ei_version %d", version)
	}

	h, err := parseELF64Header(bytes)
	if err != nil {
		return err
	}
	if h.shnum > 0 && h.shstrndx >= h.shnum {
		return fmt.Errorf("elf: shstrndx %d out of range for shnum %d", h.shstrndx, h.shnum)
	}
	return nil
}

func parseELF64Header(b []byte) (*elfHeader64, error) {
	if len(b) < 64 {
		return nil, fmt.Errorf("elf: header truncated")
	}
	bo := byteOrderFor(b[5])
	h  := &elfHeader64{
		class: b[4],
		data: b[5],
	}
	h.phoff = bo.Uint64(b[32:40])
	h.shoff = bo.Uint64(b[40:48])
	h.phentsize = bo.Uint16(b[54:56])
	h.phnum = bo.Uint16(b[56:58])
	h.shentsize = bo.Uint16(b[58:60])
	h.shnum = bo.Uint16(b[60:62])
	h.shstrndx = bo.Uint16(b[62:64])
	return h, nil
}

type byteOrder interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}

func byteOrderFor(eiData byte) byteOrder {
	if eiData == 2 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// programHeader64 and sectionHeader64 hold only the fields EstimateELFSize
// needs.
type programHeader64 struct {
	offset, filesz uint64
}

type sectionHeader64 struct {
	offset, size uint64
	shType uint32
}

const shtNobits = 8

func readProgramHeaders(b []byte, h *elfHeader64) []programHeader64 {
	bo := byteOrderFor(h.data)
	var out []programHeader64
	for i := uint16(0); i < h.phnum; i++ {
		off := h.phoff + uint64(i)*uint64(h.phentsize)
		if off+56 > uint64(len(b)) {
			break
		}
		entry := b[off:]
		out   = append(out, programHeader64{
			offset: bo.Uint64(entry[8:16]),
			filesz: bo.Uint64(entry[32:40]),
		})
	}
	return out
}

func readSectionHeaders(b []byte, h *elfHeader64) []sectionHeader64 {
	bo := byteOrderFor(h.data)
	var out []sectionHeader64
	for i := uint16(0); i < h.shnum; i++ {
		off := h.shoff + uint64(i)*uint64(h.shentsize)
		if off+64 > uint64(len(b)) {
			break
		}
		entry := b[off:]
		out   = append(out, sectionHeader64{
			shType: bo.Uint32(entry[4:8]),
			offset: bo.Uint64(entry[24:32]),
			size: bo.Uint64(entry[32:40]),
		})
	}
	return out
}

// EstimateELFSize computes max(end of last program segment, end of last
// non-NOBITS section, end of section-header table), so the parser can
// operate on a blob whose exact length is unknown.
func EstimateELFSize(bytes []byte) (uint64, error) {
	h, err := parseELF64Header(bytes)
	if err != nil {
		return 0, err
	}
	best := h.shoff + uint64(h.shnum)*uint64(h.shentsize)

	for _, ph := range readProgramHeaders(bytes, h) {
		end := ph.offset + ph.filesz
		if end > best {
			best = end
		}
	}
	for _, sh := range readSectionHeaders(bytes, h) {
		if sh.shType == shtNobits {
			continue
		}
		end := sh.offset + sh.size
		if end > best {
			best = end
		}
	}
	return best, nil
}
