// Package cfg builds a kernel's control-flow graph: basic blocks and their
// predecessor/successor edges.
//
// License: GPLv3 or later
package cfg

import (
	"fmt"
	"sort"

	"github.com/gwatch-io/gwatch/isa"
)

// Edge is one control-flow edge, keeping the precise source/destination
// addresses that produced it even when it crosses multiple branch depths.
type Edge struct {
	FromPC, ToPC uint64
}

// BasicBlock is a maximal straight-line instruction run.
type BasicBlock struct {
	ID uint64
	BasePC, EndPC uint64
	InstructionPCs []uint64

	// Preds/Succs map neighboring block id to the edge that connects them.
	Preds map[uint64]Edge
	Succs map[uint64]Edge

	// In/Out hold the per-register-class live-in/live-out sets, filled in
	// by the liveness package.
	In  map[isa.RegClass]map[uint64]bool
	Out map[isa.RegClass]map[uint64]bool
}

// DecodedInstr is the minimal view the CFG builder needs of one
// instruction: its address, size, and control-flow classification. The
// instrumentation/disassembly layer supplies these via the Capability
// interface so the builder stays architecture-agnostic.
type DecodedInstr struct {
	PC   uint64
	Size uint64
}

// Capability is the architecture-specific knowledge the CFG builder needs:
// whether an instruction is a branch, its conditional/unconditional nature,
// its target (if statically known), and whether it terminates a kernel
// (return / exit, no outgoing edges).
type Capability interface {
	IsBranch(pc uint64) bool
	IsConditionalBranch(pc uint64) bool
	IsTerminator(pc uint64) bool
	BranchTarget(pc uint64) (uint64, bool)
}

// Build partitions instrs (sorted by PC, contiguous, each instructionSize
// bytes apart per its own size) into basic blocks and computes their edges.
func Build(instrs []DecodedInstr, capability Capability) ([]*BasicBlock, error) {
	if len(instrs) == 0 {
		return nil, nil
	}
	sorted := append([]DecodedInstr(nil), instrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PC < sorted[j].PC })

	pcIndex := make(map[uint64]int, len(sorted))
	for i, in := range sorted {
		pcIndex[in.PC] = i
	}

	leaders := map[uint64]bool{sorted[0].PC: true}
	for i, in := range sorted {
		if capability.IsBranch(in.PC) {
			if target, ok := capability.BranchTarget(in.PC); ok {
				if _, exists := pcIndex[target]; !exists {
					return nil, fmt.Errorf("cfg: branch at pc=%d targets pc=%d which is not an instruction boundary", in.PC, target)
				}
				leaders[target] = true
			}
			if i+1 < len(sorted) {
				leaders[sorted[i+1].PC] = true
			}
		} else if capability.IsTerminator(in.PC) {
			if i+1 < len(sorted) {
				leaders[sorted[i+1].PC] = true
			}
		}
	}

	var leaderPCs []uint64
	for pc := range leaders {
		leaderPCs = append(leaderPCs, pc)
	}
	sort.Slice(leaderPCs, func(i, j int) bool { return leaderPCs[i] < leaderPCs[j] })

	// Every leader must land exactly on an instruction boundary; otherwise
	// it lies in the middle of a multi-byte instruction.
	for _, pc := range leaderPCs {
		if _, ok := pcIndex[pc]; !ok {
			return nil, fmt.Errorf("cfg: leader pc=%d does not fall on an instruction boundary", pc)
		}
	}

	blocks        := make([]*BasicBlock, 0, len(leaderPCs))
	leaderToBlock := make(map[uint64]uint64, len(leaderPCs))
	for i, leaderPC := range leaderPCs {
		startIdx := pcIndex[leaderPC]
		endIdx   := len(sorted)
		if i+1 < len(leaderPCs) {
			endIdx = pcIndex[leaderPCs[i+1]]
		}
		var pcs []uint64
		for j := startIdx; j < endIdx; j++ {
			pcs = append(pcs, sorted[j].PC)
		}
		last := sorted[endIdx-1]
		bb   := &BasicBlock{
			ID: uint64(i),
			BasePC: leaderPC,
			EndPC: last.PC + last.Size,
			InstructionPCs: pcs,
			Preds: map[uint64]Edge{},
			Succs: map[uint64]Edge{},
		}
		blocks = append(blocks, bb)
		leaderToBlock[leaderPC] = bb.ID
	}

	byID := make(map[uint64]*BasicBlock, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	addEdge := func(from, to *BasicBlock, fromPC, toPC uint64) {
		e := Edge{FromPC: fromPC, ToPC: toPC}
		from.Succs[to.ID] = e
		to.Preds[from.ID] = e
	}

	for _, b := range blocks {
		lastPC := b.InstructionPCs[len(b.InstructionPCs)-1]
		switch {
		case capability.IsTerminator(lastPC):
			// no outgoing edges
		case capability.IsBranch(lastPC):
			target, _ := capability.BranchTarget(lastPC)
			targetBlockID, ok := blockContaining(blocks, target)
			if ok {
				addEdge(b, byID[targetBlockID], lastPC, target)
			}
			if capability.IsConditionalBranch(lastPC) {
				fallThroughPC := b.EndPC
				if ftID, ok := blockContaining(blocks, fallThroughPC); ok {
					addEdge(b, byID[ftID], lastPC, fallThroughPC)
				}
			}
		default:
			fallThroughPC := b.EndPC
			if ftID, ok := blockContaining(blocks, fallThroughPC); ok {
				addEdge(b, byID[ftID], lastPC, fallThroughPC)
			}
		}
	}

	return blocks, nil
}

func blockContaining(blocks []*BasicBlock, pc uint64) (uint64, bool) {
	for _, b := range blocks {
		if pc >= b.BasePC && pc < b.EndPC {
			return b.ID, true
		}
	}
	return 0, false
}
