// extract.go - locates a named kernel's byte range inside a machine-code
// image, disassembles it, and builds its CFG, grounded on
// GWKernelDef::parse_instructions / parse_cfg (src/common/assemble/kernel_def.cpp)
// and the ELF section-naming convention read via container.Sections/Symbols.

package kernel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/container"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
)

// defaultMaxAlign and defaultBias match the original's struct packing
// convention for kernel parameter lists (src/common/utils/numeric.hpp
// callers default to an 8-byte bound and a zero bias).
const (
	defaultMaxAlign = 8
	defaultBias     = 0
)

// Extract locates name's ELF symbol inside image, reads its code and
// parameter-metadata sections, disassembles its instruction stream against
// set, and builds its control-flow graph via capability
// section 4.5.
func Extract(image []byte, set *isa.InstructionSet, name string, capability cfg.Capability) (*Kernel, error) {
	symbols, err := container.Symbols(image)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading symbol table: %w", err)
	}
	sections, err := container.Sections(image)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading sections: %w", err)
	}

	sym := findSymbol(symbols, name)
	if sym == nil {
		return nil, fmt.Errorf("kernel: symbol %q not found", name)
	}

	text := findSection(sections, ".text."+name)
	if text == nil {
		// fall back to the symbol's own section, for images that don't
		// split one .text section per kernel.
		if int(sym.Section) < len(sections) {
			text = &sections[sym.Section]
		}
	}
	if text == nil {
		return nil, fmt.Errorf("kernel: no .text section for %q", name)
	}

	size := sym.Size
	if size == 0 {
		size = text.Size
	}
	if text.Offset+size > uint64(len(image)) {
		return nil, fmt.Errorf("kernel: code range for %q exceeds image bounds", name)
	}
	raw := append([]byte(nil), image[text.Offset:text.Offset+size]...)

	k := &Kernel{
		MangledName: name,
		RawBytes: raw,
		SectionName: text.Name,
		ByPC: map[uint64]*instruction.Instruction{},
	}

	if err := k.disassemble(raw, set, text.Offset); err != nil {
		return nil, err
	}

	decoded := make([]cfg.DecodedInstr, len(k.Instructions))
	for i, in := range k.Instructions {
		decoded[i] = cfg.DecodedInstr{PC: in.PC, Size: uint64(len(in.Raw))}
	}
	blocks, err := cfg.Build(decoded, capability)
	if err != nil {
		return nil, fmt.Errorf("kernel: building cfg for %q: %w", name, err)
	}
	k.BasicBlocks = blocks

	if info := findSection(sections, ".nv.info."+name); info != nil {
		k.ParamSizes = decodeParamSizes(image, *info)
	}
	k.BuildParamLayout(defaultMaxAlign, defaultBias)

	return k, nil
}

// disassemble decodes raw as a sequence of set's fixed or variable-sized
// instructions, stopping at the first position for which isa.MatchDef finds
// no definition (such as an unknown opcode); nothing after that point is
// decoded. base is the
// image-absolute address of raw[0]; every recorded PC is base-relative to
// the whole image rather than kernel-local, so a Capability implementation
// constructed against the full image can decode at those same addresses.
func (k *Kernel) disassemble(raw []byte, set *isa.InstructionSet, base uint64) error {
	local := uint64(0)
	for local < uint64(len(raw)) {
		def, ok := isa.MatchDef(set, raw[local:])
		if !ok {
			break
		}
		pc := base + local
		in, err := instruction.Disassemble(def, raw[local:], pc)
		if err != nil {
			return fmt.Errorf("kernel: disassembling at pc=%d: %w", pc, err)
		}
		k.Instructions = append(k.Instructions, in)
		k.ByPC[pc] = in
		local += uint64(len(in.Raw))
	}
	return nil
}

func findSymbol(symbols []container.Symbol, name string) *container.Symbol {
	for i := range symbols {
		if symbols[i].Name == name {
			return &symbols[i]
		}
	}
	return nil
}

func findSection(sections []container.Section, name string) *container.Section {
	for i := range sections {
		if sections[i].Name == name || strings.HasSuffix(sections[i].Name, name) {
			return &sections[i]
		}
	}
	return nil
}

// decodeParamSizes reads a kernel's parameter-metadata section as a dense
// array of little-endian uint32 sizes, one per parameter, in declaration
// order (the driver family's .nv.info.<name> payload convention).
func decodeParamSizes(image []byte, sec container.Section) []uint64 {
	if sec.Offset+sec.Size > uint64(len(image)) {
		return nil
	}
	raw   := image[sec.Offset : sec.Offset+sec.Size]
	count := len(raw) / 4
	sizes := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		sizes = append(sizes, uint64(binary.LittleEndian.Uint32(raw[i*4:i*4+4])))
	}
	return sizes
}
