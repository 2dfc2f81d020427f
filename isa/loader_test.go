package isa

import "testing"

func TestLoadInstructionSetParsesSampleDescriptor(t *testing.T) {
	set, err := LoadInstructionSet("testdata/sample_arch.yaml")
	if err != nil {
		t.Fatalf("loading sample descriptor: %v", err)
	}
	if set.Arch != "90" {
		t.Fatalf("expected arch \"90\", got %q", set.Arch)
	}
	if len(set.Defs) != 9 {
		t.Fatalf("expected 9 instructions, got %d", len(set.Defs))
	}

	bra, ok := set.ByName("bra")
	if !ok {
		t.Fatal("expected a \"bra\" definition")
	}
	if !bra.IsBranch || bra.IsConditionalBranch || bra.IsTerminator {
		t.Fatalf("bra classification wrong: %+v", bra)
	}
	if bra.TargetOperand != "target" {
		t.Fatalf("expected target_operand \"target\", got %q", bra.TargetOperand)
	}

	braCond, ok := set.ByName("bra.cond")
	if !ok {
		t.Fatal("expected a \"bra.cond\" definition")
	}
	if !braCond.IsBranch || !braCond.IsConditionalBranch {
		t.Fatalf("bra.cond classification wrong: %+v", braCond)
	}

	exit, ok := set.ByName("exit")
	if !ok {
		t.Fatal("expected an \"exit\" definition")
	}
	if !exit.IsTerminator || exit.IsBranch {
		t.Fatalf("exit classification wrong: %+v", exit)
	}

	add, ok := set.ByName("add")
	if !ok {
		t.Fatal("expected an \"add\" definition")
	}
	if len(add.Operands) != 3 {
		t.Fatalf("expected 3 operands on add, got %d", len(add.Operands))
	}
	dst, ok := add.Operands["dst"]
	if !ok || dst.Direction != DirWrite || dst.RegClass != RegGeneral {
		t.Fatalf("add.dst operand wrong: %+v ok=%v", dst, ok)
	}
}

func TestLoadInstructionSetEncodesAndDecodesOpcode(t *testing.T) {
	set, err := LoadInstructionSet("testdata/sample_arch.yaml")
	if err != nil {
		t.Fatalf("loading sample descriptor: %v", err)
	}
	mov, ok := set.ByName("mov")
	if !ok {
		t.Fatal("expected a \"mov\" definition")
	}
	buf, err := NewSkeleton(mov)
	if err != nil {
		t.Fatalf("skeleton: %v", err)
	}
	if err := SetOperand(buf, mov, "dst", 3); err != nil {
		t.Fatalf("set dst: %v", err)
	}
	if err := SetOperand(buf, mov, "src", 5); err != nil {
		t.Fatalf("set src: %v", err)
	}
	value, err := ReadOpcode(buf, mov)
	if err != nil {
		t.Fatalf("read opcode: %v", err)
	}
	if value != mov.OpcodeValue {
		t.Fatalf("expected opcode %d, got %d", mov.OpcodeValue, value)
	}
	dst, err := GetOperand(buf, mov, "dst")
	if err != nil || dst != 3 {
		t.Fatalf("expected dst=3, got %d err=%v", dst, err)
	}
	src, err := GetOperand(buf, mov, "src")
	if err != nil || src != 5 {
		t.Fatalf("expected src=5, got %d err=%v", src, err)
	}

	def, ok := MatchDef(set, buf)
	if !ok || def.Name != "mov" {
		t.Fatalf("expected MatchDef to find mov, got %+v ok=%v", def, ok)
	}
}
