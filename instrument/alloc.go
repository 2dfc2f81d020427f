// alloc.go - per-kernel register allocator for the instrumentation engine,
// grounded on original_source's GWInstrumentRegAllocCxt: alloc_extra for
// brand new register slots, alloc_reused for slots borrowed from dead
// ranges, with an operation log so later allocations honor earlier ones.
//
// License: GPLv3 or later
package instrument

import (
	"fmt"
	"sort"

	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

// registerFileLimit is the largest addressable index per class. Real
// hardware limits vary by device; this is a conservative default used only
// to reject runaway allocation requests before they're handed to a driver
// that would reject them anyway.
var registerFileLimit = map[isa.RegClass]uint64{
	isa.RegGeneral:          255,
	isa.RegPredicate:        7,
	isa.RegUniform:          63,
	isa.RegUniformPredicate: 7,
}

type regOp struct {
	PC    uint64
	Write bool
}

// RegisterAllocator hands out register indices for splice sequences
// without colliding with the kernel's own register usage or with registers
// it has already allocated in this session.
type RegisterAllocator struct {
	kernel *kernel.Kernel
	used   map[isa.RegClass]map[uint64]bool
	ops    map[isa.RegClass]map[uint64][]regOp
}

// NewRegisterAllocator scans k's decoded instructions to seed the
// per-class set of indices already in use.
func NewRegisterAllocator(k *kernel.Kernel) *RegisterAllocator {
	a := &RegisterAllocator{
		kernel: k,
		used:   map[isa.RegClass]map[uint64]bool{},
		ops:    map[isa.RegClass]map[uint64][]regOp{},
	}
	for _, cls := range isa.AllRegClasses {
		a.used[cls] = map[uint64]bool{}
		a.ops[cls] = map[uint64][]regOp{}
	}
	for _, in := range k.Instructions {
		for cls, idxs := range in.In {
			for idx := range idxs {
				a.used[cls][idx] = true
			}
		}
		for cls, idxs := range in.Out {
			for idx := range idxs {
				a.used[cls][idx] = true
			}
		}
	}
	return a
}

// maxUsedIndex returns the largest index recorded for class. When
// omitLargest is set, the single largest index is skipped — compilers
// sometimes reserve the topmost register in a class, and allocating right
// past it rather than past the true maximum avoids colliding with that
// reservation on the next launch.
func (a *RegisterAllocator) maxUsedIndex(class isa.RegClass, omitLargest bool) uint64 {
	idxs := make([]uint64, 0, len(a.used[class]))
	for idx := range a.used[class] {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] > idxs[j] })
	if len(idxs) == 0 {
		return 0
	}
	if omitLargest && len(idxs) > 1 {
		return idxs[1]
	}
	return idxs[0]
}

// AllocExtra returns n consecutive indices in class never used anywhere in
// the kernel, starting from one past the (largest-omitted) used index.
func (a *RegisterAllocator) AllocExtra(class isa.RegClass, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("instrument: alloc_extra requires n > 0, got %d", n)
	}
	start := a.maxUsedIndex(class, true) + 1
	limit, ok := registerFileLimit[class]
	if ok && start+uint64(n)-1 > limit {
		return nil, fmt.Errorf("instrument: alloc_extra(%s, %d) starting at %d exceeds register file limit %d", class, n, start, limit)
	}
	for i := 0; i < n; i++ {
		if idx := start + uint64(i); a.used[class][idx] {
			return nil, fmt.Errorf("instrument: alloc_extra(%s, %d) starting at %d overlaps used index %d", class, n, start, idx)
		}
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		idx := start + uint64(i)
		out[i] = idx
		a.used[class][idx] = true
	}
	return out, nil
}

// AllocReused returns an index in class that liveness.Compute shows is not
// live anywhere across [startPC, endPC], preferring the lowest such index.
// blocks must already carry computed In/Out sets (EnsureLiveness).
func (a *RegisterAllocator) AllocReused(startPC, endPC uint64, class isa.RegClass) (uint64, error) {
	liveAcrossRange := a.liveIndices(startPC, endPC, class)

	maxIdx := a.maxUsedIndex(class, false)
	for idx := uint64(0); idx <= maxIdx; idx++ {
		if liveAcrossRange[idx] {
			continue
		}
		if a.conflictsWithOps(class, idx, startPC, endPC) {
			continue
		}
		return idx, nil
	}
	return 0, fmt.Errorf("instrument: alloc_reused found no free %s register across [%d,%d]", class, startPC, endPC)
}

// liveIndices unions every block's In/Out set for class, across every block
// whose range intersects [startPC, endPC].
func (a *RegisterAllocator) liveIndices(startPC, endPC uint64, class isa.RegClass) map[uint64]bool {
	live := map[uint64]bool{}
	for _, b := range a.kernel.BasicBlocks {
		if b.EndPC <= startPC || b.BasePC >= endPC {
			continue
		}
		for idx := range b.In[class] {
			live[idx] = true
		}
		for idx := range b.Out[class] {
			live[idx] = true
		}
	}
	return live
}

// conflictsWithOps reports whether a prior RecordOperation call touched idx
// at a pc inside [startPC, endPC], meaning a previously spliced recipe is
// already relying on that register there.
func (a *RegisterAllocator) conflictsWithOps(class isa.RegClass, idx, startPC, endPC uint64) bool {
	for _, op := range a.ops[class][idx] {
		if op.PC >= startPC && op.PC <= endPC {
			return true
		}
	}
	return false
}

// RecordOperation logs that the splice sequence touches register idx of
// class at pc, so later allocations in the same session see the
// reservation even before the kernel's instruction list is rebuilt.
func (a *RegisterAllocator) RecordOperation(class isa.RegClass, idx, pc uint64, write bool) {
	a.ops[class][idx] = append(a.ops[class][idx], regOp{PC: pc, Write: write})
}
