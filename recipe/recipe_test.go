package recipe

import (
	"testing"

	"github.com/gwatch-io/gwatch/bitfield"
	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

func testSet(t *testing.T) (*isa.InstructionSet, *isa.InstructionDef, *isa.InstructionDef) {
	t.Helper()
	nop := isa.InstructionDef{
		Name:        "nop",
		SizeBytes:   4,
		Endian:      bitfield.Little,
		OpcodeValue: 0x1,
		OpcodeField: isa.FieldAttr{Label: "op", Ranges: []bitfield.Range{{Lo: 0, Hi: 7}}},
		Operands:    map[string]isa.OperandSchema{},
		Modifiers:   map[string]isa.OperandSchema{},
		Fields:      map[string]isa.FieldAttr{},
	}
	store := isa.InstructionDef{
		Name:        "store",
		SizeBytes:   4,
		Endian:      bitfield.Little,
		OpcodeValue: 0x2,
		OpcodeField: isa.FieldAttr{Label: "op", Ranges: []bitfield.Range{{Lo: 0, Hi: 7}}},
		Operands:    map[string]isa.OperandSchema{},
		Modifiers:   map[string]isa.OperandSchema{},
		Fields:      map[string]isa.FieldAttr{},
	}
	set, err := isa.NewInstructionSet("test", []isa.InstructionDef{nop, store})
	if err != nil {
		t.Fatalf("building test isa: %v", err)
	}
	nopDef, _ := set.ByName("nop")
	storeDef, _ := set.ByName("store")
	return set, nopDef, storeDef
}

func encodeAt(t *testing.T, def *isa.InstructionDef, pc uint64) *instruction.Instruction {
	t.Helper()
	buf, err := isa.NewSkeleton(def)
	if err != nil {
		t.Fatalf("skeleton: %v", err)
	}
	in, err := instruction.Disassemble(def, buf, pc)
	if err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	return in
}

// fakeSynth marks where each synthesized instruction sequence came from by
// reusing the nop def; the recipe tests only need to see how many
// instructions were inserted and at what splice point, not real encodings.
type fakeSynth struct {
	nopDef *isa.InstructionDef
}

func (f *fakeSynth) LoadScratchParam(byteOffset uint64, destReg uint64) []*instruction.Instruction {
	return []*instruction.Instruction{{Def: f.nopDef, PC: 0, Raw: []byte{1, 0, 0, 0}, Operands: map[string]*instruction.Operand{}}}
}
func (f *fakeSynth) AtomicIncrementCounter(ptrReg uint64, counterIndex uint32) []*instruction.Instruction {
	return []*instruction.Instruction{{Def: f.nopDef, PC: 0, Raw: []byte{1, 0, 0, 0}, Operands: map[string]*instruction.Operand{}}}
}
func (f *fakeSynth) RecordAddress(ptrReg, addrReg uint64, slotIndex, capacitySlots uint32) []*instruction.Instruction {
	return []*instruction.Instruction{{Def: f.nopDef, PC: 0, Raw: []byte{1, 0, 0, 0}, Operands: map[string]*instruction.Operand{}}}
}

func buildKernel(t *testing.T) (*kernel.Kernel, *isa.InstructionDef) {
	t.Helper()
	_, nopDef, storeDef := testSet(t)
	nop0 := encodeAt(t, nopDef, 0)
	store4 := encodeAt(t, storeDef, 4)
	nop8 := encodeAt(t, nopDef, 8)

	k := &kernel.Kernel{
		Instructions: []*instruction.Instruction{nop0, store4, nop8},
		ByPC:         map[uint64]*instruction.Instruction{0: nop0, 4: store4, 8: nop8},
	}
	// splitting after pc=0 gives two basic blocks ([0,4) and [4,12)) so
	// CountControlFlow has more than one counter to exercise.
	blocks, err := cfg.Build([]cfg.DecodedInstr{{PC: 0, Size: 4}, {PC: 4, Size: 4}, {PC: 8, Size: 4}}, &splitAfterCap{splitAfterPC: 0})
	if err != nil {
		t.Fatalf("cfg build: %v", err)
	}
	k.BasicBlocks = blocks
	return k, storeDef
}

// splitAfterCap is a no-branch architecture capability that terminates
// the block containing splitAfterPC, forcing a leader at the next
// instruction boundary.
type splitAfterCap struct{ splitAfterPC uint64 }

func (c *splitAfterCap) IsBranch(uint64) bool            { return false }
func (c *splitAfterCap) IsConditionalBranch(uint64) bool { return false }
func (c *splitAfterCap) IsTerminator(pc uint64) bool     { return pc == c.splitAfterPC }
func (c *splitAfterCap) BranchTarget(uint64) (uint64, bool) { return 0, false }

func TestCountControlFlowBuildsOneSplicePointPerBlock(t *testing.T) {
	k, _ := buildKernel(t)
	synth := &fakeSynth{nopDef: k.Instructions[0].Def}
	r := CountControlFlow(synth)
	alloc := instrument.NewRegisterAllocator(k)

	res, err := r.Build(k, alloc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// one prologue point (load scratch pointer) + one point per basic block
	if got, want := len(res.SplicePoints), 1+len(k.BasicBlocks); got != want {
		t.Fatalf("expected %d splice points, got %d", want, got)
	}
	if len(res.ScratchBuffers) != 1 || res.ScratchBuffers[0].SizeBytes != uint32(len(k.BasicBlocks)*8) {
		t.Fatalf("unexpected scratch buffers: %+v", res.ScratchBuffers)
	}

	counts := make([]byte, len(k.BasicBlocks)*8)
	counts[8] = 3 // second block's counter = 3, little endian
	out, err := res.Collect(map[string][]byte{"block_counts": counts})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := out["block_counts"].([]uint64)
	if len(got) != len(k.BasicBlocks) || got[1] != 3 {
		t.Fatalf("unexpected decoded counts: %v", got)
	}
}

func TestTraceStoresOnlyInstrumentsStoreInstructions(t *testing.T) {
	k, storeDef := buildKernel(t)
	synth := &fakeSynth{nopDef: k.Instructions[0].Def}
	r := TraceStores(synth, 4, func(def *isa.InstructionDef) bool { return def == storeDef })
	alloc := instrument.NewRegisterAllocator(k)

	res, err := r.Build(k, alloc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// one prologue point + exactly one store instruction in the kernel
	if got, want := len(res.SplicePoints), 2; got != want {
		t.Fatalf("expected %d splice points (prologue + 1 store), got %d", want, got)
	}

	raw := make([]byte, 4*8)
	raw[0] = 0xAB
	out, err := res.Collect(map[string][]byte{"store_addresses": raw})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	addrs := out["store_addresses"].([]uint64)
	if len(addrs) != 1 || addrs[0] != 0xAB {
		t.Fatalf("unexpected decoded addresses: %v", addrs)
	}
}
