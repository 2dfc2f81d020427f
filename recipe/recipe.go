// Package recipe provides the built-in instrumentation strategies, "count
// control flow" and "trace stores", as instrument.Recipe values ready to
// register into a tracetask.Factory.
//
// License: GPLv3 or later
package recipe

import (
	"fmt"

	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

// CountControlFlow builds the "count control flow" recipe: one 64-bit
// counter per basic block, incremented on entry, reported as block_counts.
func CountControlFlow(synth instrument.InstructionSynth) *instrument.Recipe {
	return &instrument.Recipe{
		Name: "count control flow",
		Priority: 10,
		Build: func(k *kernel.Kernel, alloc *instrument.RegisterAllocator) (*instrument.BuildResult, error) {
			if len(k.BasicBlocks) == 0 {
				return nil, fmt.Errorf("recipe: count control flow: kernel has no basic blocks")
			}
			ptrRegs, err := alloc.AllocExtra(isa.RegGeneral, 1)
			if err != nil {
				return nil, fmt.Errorf("recipe: count control flow: allocating scratch pointer register: %w", err)
			}
			ptrReg := ptrRegs[0]

			n        := len(k.BasicBlocks)
			blockPCs := make([]uint64, n)

			firstPC := k.Instructions[0].PC
			points  := []instrument.SplicePoint{
				{PC: firstPC, Priority: 10, Instructions: synth.LoadScratchParam(scratchParamOffset(k), ptrReg)},
			}
			for i, b := range k.BasicBlocks {
				blockPCs[i] = b.BasePC
				points = append(points, instrument.SplicePoint{
					PC: b.BasePC,
					Priority: 10,
					Instructions: synth.AtomicIncrementCounter(ptrReg, uint32(i)),
				})
			}

			return &instrument.BuildResult{
				SplicePoints: points,
				ScratchBuffers: []instrument.ScratchBuffer{{Name: "block_counts", SizeBytes: uint32(n * 8)}},
				Collect: func(scratch map[string][]byte) (map[string]any, error) {
					raw := scratch["block_counts"]
					if len(raw) != n*8 {
						return nil, fmt.Errorf("recipe: count control flow: expected %d bytes, got %d", n*8, len(raw))
					}
					counts := make([]uint64, n)
					for i := range counts {
						counts[i] = littleEndianUint64(raw[i*8:])
					}
					return map[string]any{"block_pcs": blockPCs, "block_counts": counts}, nil
				},
			}, nil
		},
	}
}

// TraceStores builds the "trace stores" recipe: records the effective
// address of every store-class instruction, up to capacitySlots entries,
// reported as store_addresses.
func TraceStores(synth instrument.InstructionSynth, capacitySlots uint32, isStore func(def *isa.InstructionDef) bool) *instrument.Recipe {
	return &instrument.Recipe{
		Name: "trace stores",
		Priority: 5,
		Build: func(k *kernel.Kernel, alloc *instrument.RegisterAllocator) (*instrument.BuildResult, error) {
			ptrRegs, err := alloc.AllocExtra(isa.RegGeneral, 1)
			if err != nil {
				return nil, fmt.Errorf("recipe: trace stores: allocating scratch pointer register: %w", err)
			}
			ptrReg := ptrRegs[0]

			firstPC := k.Instructions[0].PC
			points  := []instrument.SplicePoint{
				{PC: firstPC, Priority: 5, Instructions: synth.LoadScratchParam(scratchParamOffset(k), ptrReg)},
			}

			// slotIndex is assigned once per static store site, in
			// instruction order; sites beyond capacitySlots are dropped
			// here rather than overflowing the buffer at runtime.
			slotIndex := uint32(0)
			for _, in := range k.Instructions {
				if !isStore(in.Def) {
					continue
				}
				if slotIndex >= capacitySlots {
					continue
				}
				addrReg, err := alloc.AllocReused(in.PC, in.PC+uint64(len(in.Raw)), isa.RegGeneral)
				if err != nil {
					return nil, fmt.Errorf("recipe: trace stores: allocating address register at pc=%d: %w", in.PC, err)
				}
				points = append(points, instrument.SplicePoint{
					PC: in.PC,
					Priority: 5,
					Instructions: synth.RecordAddress(ptrReg, addrReg, slotIndex, capacitySlots),
				})
				slotIndex++
			}

			return &instrument.BuildResult{
				SplicePoints: points,
				ScratchBuffers: []instrument.ScratchBuffer{{Name: "store_addresses", SizeBytes: capacitySlots * 8}},
				Collect: func(scratch map[string][]byte) (map[string]any, error) {
					raw   := scratch["store_addresses"]
					addrs := make([]uint64, 0, capacitySlots)
					for i := 0; i+8 <= len(raw); i += 8 {
						v := littleEndianUint64(raw[i:])
						if v == 0 {
							continue
						}
						addrs = append(addrs, v)
					}
					return map[string]any{"store_addresses": addrs}, nil
				},
			}, nil
		},
	}
}

// scratchParamOffset is the byte offset the new scratch-pointer parameter
// lands at once instrument.LaunchAndCollect appends it to k's existing
// parameter buffer: k's struct-aligned packed size, so an 8-byte pointer
// never lands on a boundary narrower than the struct's own alignment.
// Valid for a recipe instrumented on its own, which is how
// tracetask.Orchestrator builds each named recipe's instrumentation
// context.
func scratchParamOffset(k *kernel.Kernel) uint64 {
	return k.ParamsPackedSize
}

func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
