package instrument

import (
	"context"
	"fmt"
	"testing"

	"github.com/gwatch-io/gwatch/bitfield"
	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

func buildTestSet(t *testing.T) *isa.InstructionSet {
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
	jmp := isa.InstructionDef{
		Name:        "jmp",
		SizeBytes:   4,
		Endian:      bitfield.Little,
		OpcodeValue: 0x2,
		OpcodeField: isa.FieldAttr{Label: "op", Ranges: []bitfield.Range{{Lo: 0, Hi: 7}}},
		Operands: map[string]isa.OperandSchema{
			"target": {Name: "target", Kind: isa.KindImmediateUnsigned, BitWidth: 24, Direction: isa.DirNone},
		},
		Modifiers: map[string]isa.OperandSchema{},
		Fields: map[string]isa.FieldAttr{
			"target": {Label: "target", Ranges: []bitfield.Range{{Lo: 8, Hi: 31}}},
		},
	}
	set, err := isa.NewInstructionSet("test", []isa.InstructionDef{nop, jmp})
	if err != nil {
		t.Fatalf("building test isa: %v", err)
	}
	return set
}

func encodeAt(t *testing.T, set *isa.InstructionSet, name string, pc uint64, target uint64) *instruction.Instruction {
	t.Helper()
	def, ok := set.ByName(name)
	if !ok {
		t.Fatalf("no def named %q", name)
	}
	buf, err := isa.NewSkeleton(def)
	if err != nil {
		t.Fatalf("skeleton: %v", err)
	}
	if name == "jmp" {
		if err := isa.SetOperand(buf, def, "target", target); err != nil {
			t.Fatalf("set target: %v", err)
		}
	}
	in, err := instruction.Disassemble(def, buf, pc)
	if err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	return in
}

// fakeCap implements cfg.Capability and instrument.TargetPatcher over the
// jmp/nop test ISA: jmp branches to the value of its "target" operand,
// keyed by the pc it was built at (never mutated as splicing proceeds).
type fakeCap struct {
	byOldPC map[uint64]*instruction.Instruction
}

func (f *fakeCap) IsBranch(pc uint64) bool {
	in := f.byOldPC[pc]
	return in != nil && in.Def.Name == "jmp"
}
func (f *fakeCap) IsConditionalBranch(uint64) bool { return false }
func (f *fakeCap) IsTerminator(uint64) bool        { return false }
func (f *fakeCap) BranchTarget(pc uint64) (uint64, bool) {
	in := f.byOldPC[pc]
	if in == nil {
		return 0, false
	}
	op := in.Operands["target"]
	if op == nil || !op.Valid {
		return 0, false
	}
	return op.Value, true
}
func (f *fakeCap) SetBranchTarget(in *instruction.Instruction, newTarget uint64) error {
	op := in.Operands["target"]
	if op == nil {
		return fmt.Errorf("no target operand")
	}
	op.Value = newTarget
	op.Valid = true
	return nil
}

var _ cfg.Capability = (*fakeCap)(nil)
var _ TargetPatcher = (*fakeCap)(nil)

func TestAllocExtraOmitsLargestUsedByDefault(t *testing.T) {
	k := &kernel.Kernel{Instructions: []*instruction.Instruction{
		{In: map[isa.RegClass]map[uint64]bool{isa.RegGeneral: {0: true, 1: true, 5: true}}, Out: map[isa.RegClass]map[uint64]bool{}},
	}}
	a := NewRegisterAllocator(k)
	got, err := a.AllocExtra(isa.RegGeneral, 2)
	if err != nil {
		t.Fatalf("alloc_extra: %v", err)
	}
	// largest used (5) is omitted, so allocation starts right after the
	// next-largest (1): registers 2 and 3.
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected [2 3], got %v", got)
	}
}

func TestAllocExtraCapacityError(t *testing.T) {
	k := &kernel.Kernel{}
	a := NewRegisterAllocator(k)
	if _, err := a.AllocExtra(isa.RegPredicate, 100); err == nil {
		t.Fatal("expected a capacity error exceeding the predicate register file")
	}
}

func TestSpliceShiftsPCsAndPatchesBranchTarget(t *testing.T) {
	set := buildTestSet(t)
	nop0 := encodeAt(t, set, "nop", 0, 0)
	nop4 := encodeAt(t, set, "nop", 4, 0)
	jmp8 := encodeAt(t, set, "jmp", 8, 4) // jumps back to the instruction at pc=4
	nop12 := encodeAt(t, set, "nop", 12, 0)

	original := []*instruction.Instruction{nop0, nop4, jmp8, nop12}
	cap := &fakeCap{byOldPC: map[uint64]*instruction.Instruction{0: nop0, 4: nop4, 8: jmp8, 12: nop12}}

	extraNop := encodeAt(t, set, "nop", 0, 0)
	points := []SplicePoint{{PC: 4, Priority: 1, Instructions: []*instruction.Instruction{extraNop}}}

	spliced, err := Splice(original, cap, points)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if len(spliced) != 5 {
		t.Fatalf("expected 5 instructions after splicing one in, got %d", len(spliced))
	}

	var jmp *instruction.Instruction
	for _, in := range spliced {
		if in.Def.Name == "jmp" {
			jmp = in
		}
	}
	if jmp == nil {
		t.Fatal("jmp instruction missing after splice")
	}
	if jmp.PC != 12 {
		t.Fatalf("expected jmp shifted to pc=12, got %d", jmp.PC)
	}
	if got := jmp.Operands["target"].Value; got != 8 {
		t.Fatalf("expected branch target patched to 8 (nop@4's new pc), got %d", got)
	}
}

type fakeHooks struct {
	loaded   []byte
	fn       driver.FunctionHandle
	launched *driver.LaunchParams
}

func (h *fakeHooks) LoadModule(ctx context.Context, bytes []byte) (driver.ModuleHandle, error) {
	h.loaded = bytes
	return 1, nil
}
func (h *fakeHooks) GetFunction(ctx context.Context, mod driver.ModuleHandle, name string) (driver.FunctionHandle, error) {
	return h.fn, nil
}
func (h *fakeHooks) FuncGetAttribute(ctx context.Context, fn driver.FunctionHandle, attr driver.Attribute) (int, error) {
	return 0, nil
}
func (h *fakeHooks) FuncSetAttribute(ctx context.Context, fn driver.FunctionHandle, attr driver.Attribute, value int) error {
	return nil
}
func (h *fakeHooks) Launch(ctx context.Context, fn driver.FunctionHandle, p driver.LaunchParams) error {
	h.launched = &p
	return nil
}
func (h *fakeHooks) StreamSynchronize(ctx context.Context, stream driver.StreamHandle) error { return nil }

type fakeScratch struct {
	next uint64
	data map[uint64][]byte
}

func (s *fakeScratch) Alloc(ctx context.Context, size uint32) (uint64, error) {
	s.next++
	if s.data == nil {
		s.data = map[uint64][]byte{}
	}
	s.data[s.next] = make([]byte, size)
	return s.next, nil
}
func (s *fakeScratch) Free(ctx context.Context, ptr uint64) error {
	delete(s.data, ptr)
	return nil
}
func (s *fakeScratch) CopyToHost(ctx context.Context, ptr uint64, size uint32) ([]byte, error) {
	return s.data[ptr], nil
}

// buildMinimalImage assembles a standalone ELF64 image with a null
// section, one named PROGBITS section holding text, and a shstrtab, for
// Run's end-to-end exercise of Emit.
func buildMinimalImage(t *testing.T, sectionName string, text []byte) []byte {
	t.Helper()
	const textOff = 64
	strtab := append([]byte{0}, append(append([]byte(sectionName), 0), append([]byte(".shstrtab"), 0)...)...)
	textNameOff := 1
	shstrtabNameOff := 1 + len(sectionName) + 1
	strtabOff := textOff + len(text)
	shoff := strtabOff + len(strtab)

	buf := make([]byte, shoff+3*64)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	buf[6] = 1 // EI_VERSION
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU16 := func(off int, v uint16) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
	}
	putU64(40, uint64(shoff)) // e_shoff
	putU16(58, 64)            // e_shentsize
	putU16(60, 3)             // e_shnum
	putU16(62, 2)             // e_shstrndx

	copy(buf[textOff:], text)
	copy(buf[strtabOff:], strtab)

	putField := func(entry []byte, nameOff uint32, shType uint32, off, size uint64) {
		for i := 0; i < 4; i++ {
			entry[i] = byte(nameOff >> (8 * i))
		}
		for i := 0; i < 4; i++ {
			entry[4+i] = byte(shType >> (8 * i))
		}
		for i := 0; i < 8; i++ {
			entry[24+i] = byte(off >> (8 * i))
			entry[32+i] = byte(size >> (8 * i))
		}
	}
	putField(buf[shoff+64:], uint32(textNameOff), 1, uint64(textOff), uint64(len(text)))          // PROGBITS
	putField(buf[shoff+128:], uint32(shstrtabNameOff), 3, uint64(strtabOff), uint64(len(strtab))) // STRTAB
	return buf
}

func TestRunCollectsRecipeResults(t *testing.T) {
	set := buildTestSet(t)
	nop0 := encodeAt(t, set, "nop", 0, 0)
	nop4 := encodeAt(t, set, "nop", 4, 0)
	k := &kernel.Kernel{
		MangledName:  "_Z6kernelv",
		Instructions: []*instruction.Instruction{nop0, nop4},
		ByPC:         map[uint64]*instruction.Instruction{0: nop0, 4: nop4},
	}
	blocks, err := cfg.Build([]cfg.DecodedInstr{{PC: 0, Size: 4}, {PC: 4, Size: 4}}, &fakeCap{byOldPC: k.ByPC})
	if err != nil {
		t.Fatalf("cfg build: %v", err)
	}
	k.BasicBlocks = blocks

	recipe := &Recipe{
		Name:     "count",
		Priority: 1,
		Build: func(k *kernel.Kernel, alloc *RegisterAllocator) (*BuildResult, error) {
			return &BuildResult{
				ScratchBuffers: []ScratchBuffer{{Name: "counter", SizeBytes: 4}},
				Collect: func(scratch map[string][]byte) (map[string]any, error) {
					return map[string]any{"bytes": len(scratch["counter"])}, nil
				},
			}, nil
		},
	}

	var text []byte
	for _, in := range k.Instructions {
		text = append(text, in.Raw...)
	}
	image := buildMinimalImage(t, ".text.kernel", text)

	ctx := &Context{Kernel: k, Capability: &fakeCap{byOldPC: k.ByPC}, Image: image, SectionName: ".text.kernel"}
	hooks := &fakeHooks{}
	scratch := &fakeScratch{}

	result, err := Run(context.Background(), ctx, hooks, scratch, driver.LaunchParams{Stream: 7}, []*Recipe{recipe})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(scratch.data) != 0 {
		t.Fatalf("expected all scratch buffers freed after collection, %d remain", len(scratch.data))
	}
	counted, ok := result.TraceResults["count"]
	if !ok {
		t.Fatal("expected a trace result for recipe \"count\"")
	}
	if counted["bytes"] != 4 {
		t.Fatalf("expected the counter buffer to decode as 4 bytes, got %v", counted["bytes"])
	}
	if hooks.launched == nil {
		t.Fatal("expected the instrumented kernel to be launched")
	}
}
