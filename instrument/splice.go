// splice.go - inserts a recipe's instruction sequences into a kernel's
// instruction stream at chosen program points, repairs relative branch
// targets that now straddle the inserted code, and re-encodes whatever
// changed.
//
// License: GPLv3 or later
package instrument

import (
	"fmt"
	"sort"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
)

// SplicePoint is one recipe's request to insert Instructions immediately
// before the original instruction at PC. When multiple points share a PC,
// the one with the higher Priority ends up closest to the original
// instruction.
type SplicePoint struct {
	PC           uint64
	Priority     int
	Instructions []*instruction.Instruction
}

// TargetPatcher is implemented by the same architecture adapter that
// satisfies cfg.Capability, letting the splicer overwrite a branch
// instruction's target operand once its displacement has moved. Capability
// implementations that don't support rewriting (read-only analyses) simply
// don't implement it; Splice then returns an error as soon as a branch's
// target has moved.
type TargetPatcher interface {
	SetBranchTarget(in *instruction.Instruction, newTarget uint64) error
}

// Splice returns a new instruction list with points inserted, PCs
// reassigned contiguously, and branch targets/encodings updated to match.
// original must be sorted by PC; it is not modified.
func Splice(original []*instruction.Instruction, capability cfg.Capability, points []SplicePoint) ([]*instruction.Instruction, error) {
	byPC := map[uint64][]SplicePoint{}
	for _, p := range points {
		byPC[p.PC] = append(byPC[p.PC], p)
	}
	for pc := range byPC {
		sort.Slice(byPC[pc], func(i, j int) bool { return byPC[pc][i].Priority < byPC[pc][j].Priority })
	}

	var spliced []*instruction.Instruction
	// originPC[i] holds spliced[i]'s pre-splice PC, or -1 if the recipe
	// inserted it fresh; kept in lockstep rather than reconstructed by
	// matching, since cloned recipe instructions can be byte-identical to
	// unrelated original ones.
	var originPC []int64
	oldToNew := map[uint64]uint64{}
	var pc uint64
	if len(original) > 0 {
		pc = original[0].PC
	}

	for _, in := range original {
		for _, p := range byPC[in.PC] {
			for _, ins := range p.Instructions {
				clone := ins.Clone()
				clone.PC = pc
				spliced  = append(spliced, clone)
				originPC = append(originPC, -1)
				pc       += uint64(len(clone.Raw))
			}
		}
		oldToNew[in.PC] = pc
		clone := in.Clone()
		clone.PC = pc
		spliced  = append(spliced, clone)
		originPC = append(originPC, int64(in.PC))
		pc       += uint64(len(clone.Raw))
	}

	patcher, _ := capability.(TargetPatcher)
	for i, in := range spliced {
		if originPC[i] < 0 {
			continue
		}
		oldPC := uint64(originPC[i])
		if !capability.IsBranch(oldPC) {
			continue
		}
		target, ok := capability.BranchTarget(oldPC)
		if !ok {
			continue
		}
		newTarget, ok := oldToNew[target]
		if !ok || newTarget == target {
			continue
		}
		if patcher == nil {
			return nil, fmt.Errorf("instrument: splice moved branch at old pc=%d but capability cannot patch targets", oldPC)
		}
		if err := patcher.SetBranchTarget(in, newTarget); err != nil {
			return nil, fmt.Errorf("instrument: patching branch target at pc=%d: %w", in.PC, err)
		}
		raw, err := instruction.Encode(in)
		if err != nil {
			return nil, fmt.Errorf("instrument: re-encoding branch at pc=%d: %w", in.PC, err)
		}
		in.Raw = raw
	}

	return spliced, nil
}
