// elf_sections.go - exported section/symbol accessors used by the kernel
// extractor (C5) to locate a kernel's .text, parameter-info, and debug-line
// sections without re-parsing ELF structure from scratch.

package container

import "fmt"

const (
	ShtSymtab = 2
	ShtStrtab = 3
)

// Section is one ELF section header, with its name already resolved
// against the section-header string table.
type Section struct {
	Name   string
	Type   uint32
	Offset uint64
	Size   uint64
	Link   uint32
	Info   uint32
}

// Symbol is one ELF symbol table entry, name-resolved.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Section uint16
}

// Sections returns every section header of an ELF image, with names
// resolved via the section-header string table.
func Sections(bytes []byte) ([]Section, error) {
	h, err := parseELF64Header(bytes)
	if err != nil {
		return nil, err
	}
	raw := readSectionHeadersFull(bytes, h)
	if int(h.shstrndx) >= len(raw) {
		return nil, fmt.Errorf("elf: shstrndx out of range")
	}
	strtab := raw[h.shstrndx]
	out := make([]Section, 0, len(raw))
	for _, r := range raw {
		out = append(out, Section{
			Name:   readCString(bytes, strtab.offset+uint64(r.nameOff)),
			Type:   r.shType,
			Offset: r.offset,
			Size:   r.size,
			Link:   r.link,
			Info:   r.info,
		})
	}
	return out, nil
}

// Symbols reads every symbol in the first SHT_SYMTAB section, with names
// resolved against its linked string table section.
func Symbols(bytes []byte) ([]Symbol, error) {
	sections, err := Sections(bytes)
	if err != nil {
		return nil, err
	}
	var symtab *Section
	var strtabOffset uint64
	for i := range sections {
		if sections[i].Type == ShtSymtab {
			symtab = &sections[i]
			if int(sections[i].Link) < len(sections) {
				strtabOffset = sections[sections[i].Link].Offset
			}
			break
		}
	}
	if symtab == nil {
		return nil, nil
	}
	h, err := parseELF64Header(bytes)
	if err != nil {
		return nil, err
	}
	bo := byteOrderFor(h.data)
	const entSize = 24
	count := int(symtab.Size) / entSize
	out := make([]Symbol, 0, count)
	for i := 0; i < count; i++ {
		off := symtab.Offset + uint64(i*entSize)
		if off+entSize > uint64(len(bytes)) {
			break
		}
		entry := bytes[off:]
		nameOff := bo.Uint32(entry[0:4])
		shndx := bo.Uint16(entry[6:8])
		value := bo.Uint64(entry[8:16])
		size := bo.Uint64(entry[16:24])
		out = append(out, Symbol{
			Name:    readCString(bytes, strtabOffset+uint64(nameOff)),
			Value:   value,
			Size:    size,
			Section: shndx,
		})
	}
	return out, nil
}

func readCString(bytes []byte, offset uint64) string {
	if offset >= uint64(len(bytes)) {
		return ""
	}
	end := offset
	for end < uint64(len(bytes)) && bytes[end] != 0 {
		end++
	}
	return string(bytes[offset:end])
}

// sectionHeaderFull carries every field Sections/Symbols need, beyond the
// narrower sectionHeader64 used by EstimateELFSize.
type sectionHeaderFull struct {
	nameOff      uint32
	shType       uint32
	offset, size uint64
	link, info   uint32
}

func readSectionHeadersFull(b []byte, h *elfHeader64) []sectionHeaderFull {
	bo := byteOrderFor(h.data)
	var out []sectionHeaderFull
	for i := uint16(0); i < h.shnum; i++ {
		off := h.shoff + uint64(i)*uint64(h.shentsize)
		if off+64 > uint64(len(b)) {
			break
		}
		entry := b[off:]
		out = append(out, sectionHeaderFull{
			nameOff: bo.Uint32(entry[0:4]),
			shType:  bo.Uint32(entry[4:8]),
			link:    bo.Uint32(entry[40:44]),
			info:    bo.Uint32(entry[44:48]),
			offset:  bo.Uint64(entry[24:32]),
			size:    bo.Uint64(entry[32:40]),
		})
	}
	return out
}
