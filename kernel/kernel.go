// Package kernel extracts a named GPU kernel's byte range, parameter
// layout, and debug-line information from a machine-code image, and holds
// the resulting typed kernel object.
//
// License: GPLv3 or later
package kernel

import (
	"strings"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
)

// Kernel is a named GPU entry point: its instructions, parameter layout,
// control-flow graph, and debug-line map.
type Kernel struct {
	MangledName string

	ParamSizes           []uint64
	ParamSizesReversed   []uint64
	ParamOffsetsReversed []uint64

	// ParamsPackedSize is the kernel's declared parameter buffer size, the
	// struct-aligned end of the last entry in ParamOffsetsReversed/
	// ParamSizesReversed, computed by BuildParamLayout. A parameter appended
	// after it (a recipe's scratch pointer) naturally lands on a boundary
	// that respects every parameter already packed into the struct.
	ParamsPackedSize uint64

	Instructions []*instruction.Instruction
	ByPC         map[uint64]*instruction.Instruction

	BasicBlocks []*cfg.BasicBlock

	RawBytes []byte

	DebugInfo map[DebugKey]*DebugLineMeta

	// Arch is the architecture tag of the image this kernel was extracted
	// from (e.g. "90", "90a").
	Arch string

	// SectionName is the ELF section Extract read RawBytes from, kept so
	// the instrumentation engine can re-target the same section when it
	// re-emits a spliced image (instrument.Context.SectionName).
	SectionName string

	// livenessComputed is set by MarkLivenessComputed once liveness.Compute
	// has filled in the blocks' In/Out sets; the fill is
	// idempotent and the instrumentation engine triggers it at most once
	// per kernel.
	livenessComputed bool
}

// DebugKey identifies one (file, line) pair in DebugInfo.
type DebugKey struct {
	File string
	Line int
}

// LivenessComputed reports whether per-block liveness has already been
// filled in for this kernel.
func (k *Kernel) LivenessComputed() bool { return k.livenessComputed }

// MarkLivenessComputed records that the one-shot liveness fill has run.
func (k *Kernel) MarkLivenessComputed() { k.livenessComputed = true }

// CodeSize returns the kernel's instruction-stream byte length.
func (k *Kernel) CodeSize() uint64 {
	if len(k.Instructions) == 0 {
		return 0
	}
	last := k.Instructions[len(k.Instructions)-1]
	return last.PC + uint64(len(last.Raw)) - k.Instructions[0].PC
}

// IsArchEqual compares two architecture tags, optionally ignoring an
// optional variant suffix (e.g. "90a" vs "90").5.
func IsArchEqual(a, b string, ignoreVariantSuffix bool) bool {
	if a == b {
		return true
	}
	if !ignoreVariantSuffix {
		return false
	}
	return baseArch(a) == baseArch(b)
}

// baseArch strips a trailing single-letter variant suffix (digits only stay).
func baseArch(arch string) string {
	i := len(arch)
	for i > 0 && !isDigit(arch[i-1]) {
		i--
	}
	return strings.TrimSpace(arch[:i])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
