// Package liveness computes, per basic block and per register class, the
// define/use sets and the backward dataflow fixpoint for live-in/live-out
// sets.
//
// License: GPLv3 or later
package liveness

import (
	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
)

// DefUse holds one basic block's per-class define (written before any read)
// and use (read before any write) sets.
type DefUse struct {
	Define map[isa.RegClass]map[uint64]bool
	Use    map[isa.RegClass]map[uint64]bool
}

// cacheKey identifies one define/use query: the block scanned and the pc the
// scan started from.
type cacheKey struct {
	block   *cfg.BasicBlock
	startPC uint64
}

// cache holds lazily computed define/use records for the span of a single
// Compute call, so a query starting mid-block need not re-scan the whole
// block on every fixpoint iteration. It is allocated fresh per Compute call
// and never shared across kernels, so concurrent Compute calls for
// different kernels never touch the same cache.
type cache struct {
	byKey map[cacheKey]*DefUse
}

// DefineUse returns the define/use sets for block, scanning instructions in
// program order starting at startPC (defaulting to block.BasePC). Results
// are cached in c per (block, startPC).
func DefineUse(c *cache, block *cfg.BasicBlock, byPC map[uint64]*instruction.Instruction, startPC uint64) *DefUse {
	key := cacheKey{block: block, startPC: startPC}
	if du, ok := c.byKey[key]; ok {
		return du
	}

	du := &DefUse{
		Define: map[isa.RegClass]map[uint64]bool{},
		Use: map[isa.RegClass]map[uint64]bool{},
	}
	for _, cls := range isa.AllRegClasses {
		du.Define[cls] = map[uint64]bool{}
		du.Use[cls] = map[uint64]bool{}
	}

	started := false
	for _, pc := range block.InstructionPCs {
		if pc < startPC {
			continue
		}
		started = true
		inst, ok := byPC[pc]
		if !ok {
			continue
		}
		for cls := range inst.In {
			for reg := range inst.In[cls] {
				if !du.Define[cls][reg] {
					du.Use[cls][reg] = true
				}
			}
		}
		for cls := range inst.Out {
			for reg := range inst.Out[cls] {
				du.Define[cls][reg] = true
			}
		}
	}
	_ = started

	c.byKey[key] = du
	return du
}

// Compute runs the standard backward-dataflow fixpoint to a worklist over
// reverse post-order, filling in block.In/block.Out for every block and
// every register class. It terminates within
// |blocks| x |classes| x max_reg_idx iterations.
//
// blocks belongs to a single kernel for the duration of this call; Compute
// allocates its own define/use cache and keeps no state beyond this call, so
// two goroutines instrumenting different kernels concurrently never share
// mutable state.
func Compute(blocks []*cfg.BasicBlock, byPC map[uint64]*instruction.Instruction) {
	order := reversePostOrder(blocks)
	duCache := &cache{byKey: map[cacheKey]*DefUse{}}

	for _, b := range blocks {
		b.In = map[isa.RegClass]map[uint64]bool{}
		b.Out = map[isa.RegClass]map[uint64]bool{}
		for _, cls := range isa.AllRegClasses {
			b.In[cls] = map[uint64]bool{}
			b.Out[cls] = map[uint64]bool{}
		}
	}

	byID := make(map[uint64]*cfg.BasicBlock, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	changed := true
	for changed {
		changed = false
		for _, b := range order {
			du := DefineUse(duCache, b, byPC, b.BasePC)
			for _, cls := range isa.AllRegClasses {
				newOut := map[uint64]bool{}
				for succID := range b.Succs {
					succ := byID[succID]
					for reg := range succ.In[cls] {
						newOut[reg] = true
					}
				}
				newIn := map[uint64]bool{}
				for reg := range du.Use[cls] {
					newIn[reg] = true
				}
				for reg := range newOut {
					if !du.Define[cls][reg] {
						newIn[reg] = true
					}
				}

				if !supersetEqual(b.Out[cls], newOut) {
					b.Out[cls] = newOut
					changed = true
				}
				if !supersetEqual(b.In[cls], newIn) {
					b.In[cls] = newIn
					changed = true
				}
			}
		}
	}
}

func supersetEqual(a, b map[uint64]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// reversePostOrder orders blocks for fast fixpoint convergence on backward
// dataflow: a depth-first post-order over successor edges, started from each
// block in the builder's order and reversed. Blocks on a cycle are visited
// once, in whatever order the DFS reaches them.
func reversePostOrder(blocks []*cfg.BasicBlock) []*cfg.BasicBlock {
	visited := map[uint64]bool{}
	var postOrder []*cfg.BasicBlock
	byID := make(map[uint64]*cfg.BasicBlock, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	var visit func(b *cfg.BasicBlock)
	visit = func(b *cfg.BasicBlock) {
		if visited[b.ID] {
			return
		}
		visited[b.ID] = true
		for succID := range b.Succs {
			visit(byID[succID])
		}
		postOrder = append(postOrder, b)
	}
	for _, b := range blocks {
		visit(b)
	}
	// postOrder is already post-order; reverse it for RPO.
	out := make([]*cfg.BasicBlock, len(postOrder))
	for i, b := range postOrder {
		out[len(postOrder)-1-i] = b
	}
	return out
}
