// synth.go - the architecture capability recipes use to materialize their
// instruction sequences, additive to cfg.Capability for the same reason
// TargetPatcher is: not every architecture adapter needs it, only the ones
// a recipe actually targets.
//
// License: GPLv3 or later
package instrument

import "github.com/gwatch-io/gwatch/instruction"

// InstructionSynth builds a recipe's instruction sequence resolved against
// the registers the allocator assigned it and the parameters the marshaller
// appended, the architecture-specific half of a recipe that the generic
// Recipe.Build can't express on its own.
type InstructionSynth interface {
	// LoadScratchParam loads the 64-bit scratch pointer at the given
	// byte offset in the kernel's parameter buffer into destReg.
	LoadScratchParam(byteOffset uint64, destReg uint64) []*instruction.Instruction
	// AtomicIncrementCounter atomically adds 1 to the 64-bit counter at
	// ptrReg + counterIndex*8.
	AtomicIncrementCounter(ptrReg uint64, counterIndex uint32) []*instruction.Instruction
	// RecordAddress stores addrReg's value into the slot at slotIndex in
	// the capacitySlots-sized buffer at ptrReg. slotIndex is assigned once
	// per static instrumented site at build time (recipe.TraceStores hands
	// out ordinals as it walks the kernel's store instructions); a site
	// whose ordinal would fall outside capacitySlots is dropped before
	// RecordAddress is ever called, rather than overflowing the buffer.
	RecordAddress(ptrReg, addrReg uint64, slotIndex, capacitySlots uint32) []*instruction.Instruction
}
