package liveness

import (
	"testing"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
)

func fakeInst(pc uint64, in, out []uint64) *instruction.Instruction {
	inst := &instruction.Instruction{
		PC: pc,
		Raw: make([]byte, 4),
		In: map[isa.RegClass]map[uint64]bool{isa.RegGeneral: {}},
		Out: map[isa.RegClass]map[uint64]bool{isa.RegGeneral: {}},
	}
	for _, r := range in {
		inst.In[isa.RegGeneral][r] = true
	}
	for _, r := range out {
		inst.Out[isa.RegGeneral][r] = true
	}
	return inst
}

// TestSingleBlockLiveness reproduces scenario 5:
// R1 = R0 + R0; R2 = R1 * R1; ret R2 -> live-in {R0}, live-out {}.
func TestSingleBlockLiveness(t *testing.T) {
	i0 := fakeInst(0, []uint64{0, 0}, []uint64{1})
	i1 := fakeInst(4, []uint64{1, 1}, []uint64{2})
	i2 := fakeInst(8, []uint64{2}, nil)

	block := &cfg.BasicBlock{
		ID: 0,
		BasePC: 0,
		EndPC: 12,
		InstructionPCs: []uint64{0, 4, 8},
		Preds: map[uint64]cfg.Edge{},
		Succs: map[uint64]cfg.Edge{},
	}
	byPC := map[uint64]*instruction.Instruction{0: i0, 4: i1, 8: i2}

	Compute([]*cfg.BasicBlock{block}, byPC)

	if len(block.In[isa.RegGeneral]) != 1 || !block.In[isa.RegGeneral][0] {
		t.Fatalf("expected live-in {R0}, got %v", block.In[isa.RegGeneral])
	}
	if len(block.Out[isa.RegGeneral]) != 0 {
		t.Fatalf("expected live-out {}, got %v", block.Out[isa.RegGeneral])
	}
}

func TestLivenessPropagatesAcrossEdge(t *testing.T) {
	// block A defines R0, uses nothing; falls through to block B which uses R0.
	a := &cfg.BasicBlock{ID: 0, BasePC: 0, EndPC: 4, InstructionPCs: []uint64{0},
		Preds: map[uint64]cfg.Edge{}, Succs: map[uint64]cfg.Edge{1: {FromPC: 0, ToPC: 4}}}
	b := &cfg.BasicBlock{ID: 1, BasePC: 4, EndPC: 8, InstructionPCs: []uint64{4},
		Preds: map[uint64]cfg.Edge{0: {FromPC: 0, ToPC: 4}}, Succs: map[uint64]cfg.Edge{}}

	defA := fakeInst(0, nil, []uint64{0})
	useB := fakeInst(4, []uint64{0}, nil)
	byPC := map[uint64]*instruction.Instruction{0: defA, 4: useB}

	Compute([]*cfg.BasicBlock{a, b}, byPC)

	if !a.Out[isa.RegGeneral][0] {
		t.Fatal("expected R0 live-out of block A")
	}
	if !b.In[isa.RegGeneral][0] {
		t.Fatal("expected R0 live-in of block B")
	}
}
