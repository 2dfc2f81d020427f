// debugline.go - per (file,line) debug-line metadata: the sorted address
// list a line covers and its compression into contiguous address blocks,
// grounded on the original GWKernelDef::set_debug_info /
// gw_dwarf_line_metadata_t (src/common/assemble/kernel_def.hpp).

package kernel

import "sort"

// DebugLineMeta is the per-(file,line) debug record: every instruction
// address attributed to that source line, and the same addresses coalesced
// into contiguous [lo,hi] blocks.
type DebugLineMeta struct {
	File      string
	Line      int
	IsStmt    bool
	Addresses []uint64
	Blocks    [][2]uint64
}

// SetDebugInfo builds k.DebugInfo from a per-address (file,line) mapping
// and a per-(file,line) is-stmt flag, matching the original's
// set_debug_info contract: collect the unique sorted address list per line
// and compress it into contiguous blocks.
func (k *Kernel) SetDebugInfo(addrToLine map[uint64]DebugKey, isStmt map[DebugKey]bool) {
	byKey := map[DebugKey][]uint64{}
	for addr, key := range addrToLine {
		byKey[key] = append(byKey[key], addr)
	}

	if k.DebugInfo == nil {
		k.DebugInfo = map[DebugKey]*DebugLineMeta{}
	}
	instrSize := k.instructionStride()

	for key, addrs := range byKey {
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		addrs = dedupSorted(addrs)
		k.DebugInfo[key] = &DebugLineMeta{
			File: key.File,
			Line: key.Line,
			IsStmt: isStmt[key],
			Addresses: addrs,
			Blocks: compressToBlocks(addrs, instrSize),
		}
	}
}

func dedupSorted(sorted []uint64) []uint64 {
	out := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// compressToBlocks coalesces a sorted, deduplicated address list into
// contiguous [lo,hi] inclusive runs, where consecutive entries are exactly
// one instruction stride apart.
func compressToBlocks(addrs []uint64, stride uint64) [][2]uint64 {
	if len(addrs) == 0 {
		return nil
	}
	if stride == 0 {
		stride = 1
	}
	var blocks [][2]uint64
	lo, hi := addrs[0], addrs[0]
	for _, a := range addrs[1:] {
		if a == hi+stride {
			hi = a
			continue
		}
		blocks = append(blocks, [2]uint64{lo, hi})
		lo, hi = a, a
	}
	blocks = append(blocks, [2]uint64{lo, hi})
	return blocks
}

// instructionStride returns the kernel's fixed instruction size, falling
// back to 1 (no coalescing) when no instructions have been decoded yet.
func (k *Kernel) instructionStride() uint64 {
	if len(k.Instructions) == 0 {
		return 1
	}
	return uint64(len(k.Instructions[0].Raw))
}
