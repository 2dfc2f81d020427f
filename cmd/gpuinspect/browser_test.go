package main

import (
	"strings"
	"testing"

	"github.com/gwatch-io/gwatch/bitfield"
	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
	"github.com/gwatch-io/gwatch/liveness"
)

// splitAfterCap is a no-branch capability that terminates the block
// containing splitAfterPC, forcing a leader at the next instruction
// boundary; mirrors recipe_test.go's fixture of the same name.
type splitAfterCap struct{ splitAfterPC uint64 }

func (c *splitAfterCap) IsBranch(uint64) bool               { return false }
func (c *splitAfterCap) IsConditionalBranch(uint64) bool    { return false }
func (c *splitAfterCap) IsTerminator(pc uint64) bool        { return pc == c.splitAfterPC }
func (c *splitAfterCap) BranchTarget(uint64) (uint64, bool) { return 0, false }

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	movDef := isa.InstructionDef{
		Name:        "mov",
		SizeBytes:   4,
		Endian:      bitfield.Little,
		OpcodeValue: 0x1,
		OpcodeField: isa.FieldAttr{Label: "op", Ranges: []bitfield.Range{{Lo: 0, Hi: 7}}},
		Operands: map[string]isa.OperandSchema{
			"dst": {Name: "dst", Kind: isa.KindRegister, BitWidth: 8, Direction: isa.DirWrite, RegClass: isa.RegGeneral},
		},
		Modifiers: map[string]isa.OperandSchema{},
		Fields: map[string]isa.FieldAttr{
			"dst": {Label: "dst", Ranges: []bitfield.Range{{Lo: 8, Hi: 15}}},
		},
	}
	set, err := isa.NewInstructionSet("test", []isa.InstructionDef{movDef})
	if err != nil {
		t.Fatalf("building test isa: %v", err)
	}
	def, _ := set.ByName("mov")

	mk := func(pc uint64) *instruction.Instruction {
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

	in0, in4, in8 := mk(0), mk(4), mk(8)
	k := &kernel.Kernel{
		MangledName:  "_Z6kernelPf",
		Arch:         "sm_90",
		Instructions: []*instruction.Instruction{in0, in4, in8},
		ByPC:         map[uint64]*instruction.Instruction{0: in0, 4: in4, 8: in8},
	}
	blocks, err := cfg.Build([]cfg.DecodedInstr{{PC: 0, Size: 4}, {PC: 4, Size: 4}, {PC: 8, Size: 4}}, &splitAfterCap{splitAfterPC: 0})
	if err != nil {
		t.Fatalf("cfg build: %v", err)
	}
	k.BasicBlocks = blocks
	liveness.Compute(k.BasicBlocks, k.ByPC)
	return k
}

func TestMoveClampsAtBounds(t *testing.T) {
	b := newBrowser(testKernel(t))
	b.move(-5)
	if b.cursor != 0 {
		t.Fatalf("expected cursor clamped to 0, got %d", b.cursor)
	}
	b.move(100)
	if want := len(b.k.Instructions) - 1; b.cursor != want {
		t.Fatalf("expected cursor clamped to %d, got %d", want, b.cursor)
	}
}

func TestMoveBlockJumpsToNextBlockBase(t *testing.T) {
	b := newBrowser(testKernel(t))
	b.cursor = 0 // in block [0,4)
	b.moveBlock(1)
	if got := b.k.Instructions[b.cursor].PC; got != 4 {
		t.Fatalf("expected cursor to land on pc=4, got pc=%d", got)
	}
}

func TestHandleKeyQuitsOnQ(t *testing.T) {
	b := newBrowser(testKernel(t))
	if !b.handleKey([]byte("q")) {
		t.Fatalf("expected 'q' to end the session")
	}
}

func TestHandleKeyTogglesLiveness(t *testing.T) {
	b := newBrowser(testKernel(t))
	if b.liveness {
		t.Fatalf("liveness should start off")
	}
	b.handleKey([]byte("l"))
	if !b.liveness {
		t.Fatalf("expected 'l' to toggle liveness on")
	}
}

func TestRenderLineShowsOperandsAndCursorMarker(t *testing.T) {
	b := newBrowser(testKernel(t))
	b.cursor = 1
	line := b.renderLine(1, b.k.Instructions[1])
	if !strings.HasPrefix(line, ">") {
		t.Fatalf("expected cursor marker on focused line, got %q", line)
	}
	if !strings.Contains(line, "dst=") {
		t.Fatalf("expected rendered dst operand, got %q", line)
	}
}

func TestRenderLivenessListsEveryRegClass(t *testing.T) {
	b := newBrowser(testKernel(t))
	b.cursor = 0
	out := b.renderLiveness()
	for _, cls := range isa.AllRegClasses {
		if !strings.Contains(out, string(cls)) {
			t.Fatalf("expected liveness output to mention class %q, got %q", cls, out)
		}
	}
}
