// Package sm90 is the concrete instrument.InstructionSynth for the sm_90
// reference architecture family described by config/isa/sm90.yaml: it
// materializes the small instruction sequences recipe.CountControlFlow and
// recipe.TraceStores need, grounded on the same isa.NewSkeleton/SetOperand
// primitives the kernel extractor's disassembler and cfg.MetadataCapability
// already use to go the other direction (bytes to Instruction).
//
// A second architecture family only needs its own descriptor file plus a
// package like this one; nothing in cfg, instrument, or tracetask changes.
//
// License: GPLv3 or later
package sm90

import (
	"fmt"

	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
)

// Synth builds sm_90 instruction sequences against set, which must be the
// InstructionSet loaded from config/isa/sm90.yaml (or an equivalent
// descriptor exposing the same instruction names).
type Synth struct {
	set *isa.InstructionSet
}

// New builds a Synth over set.
func New(set *isa.InstructionSet) *Synth {
	return &Synth{set: set}
}

func (s *Synth) build(name string, operands map[string]uint64) *instruction.Instruction {
	def, ok := s.set.ByName(name)
	if !ok {
		panic(fmt.Sprintf("sm90: synth: descriptor has no instruction %q", name))
	}
	buf, err := isa.NewSkeleton(def)
	if err != nil {
		panic(fmt.Sprintf("sm90: synth: building skeleton for %q: %v", name, err))
	}
	for op, v := range operands {
		if err := isa.SetOperand(buf, def, op, v); err != nil {
			panic(fmt.Sprintf("sm90: synth: setting %s.%s: %v", name, op, err))
		}
	}
	in, err := instruction.Disassemble(def, buf, 0)
	if err != nil {
		panic(fmt.Sprintf("sm90: synth: disassembling synthesized %q: %v", name, err))
	}
	return in
}

// LoadScratchParam loads the 64-bit scratch pointer at byteOffset in the
// kernel's parameter buffer into destReg via a single ld.param.
func (s *Synth) LoadScratchParam(byteOffset uint64, destReg uint64) []*instruction.Instruction {
	return []*instruction.Instruction{
		s.build("ld.param", map[string]uint64{"dst": destReg, "offset": byteOffset}),
	}
}

// AtomicIncrementCounter atomically adds 1 to the counter at
// ptrReg+counterIndex*8 via a single atom.inc.global; the amount is fixed
// at 1 by the instruction itself, so no separate register is needed to
// carry it.
func (s *Synth) AtomicIncrementCounter(ptrReg uint64, counterIndex uint32) []*instruction.Instruction {
	return []*instruction.Instruction{
		s.build("atom.inc.global", map[string]uint64{"addr": ptrReg, "offset": uint64(counterIndex) * 8}),
	}
}

// RecordAddress stores addrReg's value at ptrReg+slotIndex*8 via a single
// st.global, reusing the immediate offset field the architecture already
// carries for ordinary stores rather than computing an address at runtime.
func (s *Synth) RecordAddress(ptrReg, addrReg uint64, slotIndex, capacitySlots uint32) []*instruction.Instruction {
	return []*instruction.Instruction{
		s.build("st.global", map[string]uint64{"addr": ptrReg, "val": addrReg, "offset": uint64(slotIndex) * 8}),
	}
}
