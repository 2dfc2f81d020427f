// Package instruction holds typed instruction/operand/modifier instances
// produced by disassembling a machine-code byte range against an isa
// metadata InstructionDef, and re-encoded back to bytes for the
// instrumentation engine.
//
// License: GPLv3 or later
package instruction

import (
	"fmt"

	"github.com/gwatch-io/gwatch/isa"
)

// Operand is a decoded value for one named operand or modifier slot.
type Operand struct {
	Schema   isa.OperandSchema
	Value    uint64
	Signed   int64
	Valid    bool
	Rendered string
}

// Instruction is one disassembled machine instruction.
type Instruction struct {
	Def       *isa.InstructionDef
	PC        uint64
	Raw       []byte
	Operands  map[string]*Operand
	Modifiers map[string]*Operand

	// RegsByClass maps each register class to the set of operand names
	// whose decoded value is a register index in that class.
	RegsByClass map[isa.RegClass]map[string]bool

	// In and Out hold, per register class, the set of register indices the
	// instruction reads (resp. writes), derived from operand Direction.
	In  map[isa.RegClass]map[uint64]bool
	Out map[isa.RegClass]map[uint64]bool
}

// Clone deep-copies an instruction; no operand objects are shared between
// the original and the copy.
func (in *Instruction) Clone() *Instruction {
	out := &Instruction{
		Def: in.Def,
		PC: in.PC,
		Raw: append([]byte(nil), in.Raw...),
		Operands: make(map[string]*Operand, len(in.Operands)),
		Modifiers: make(map[string]*Operand, len(in.Modifiers)),
		RegsByClass: map[isa.RegClass]map[string]bool{},
		In: map[isa.RegClass]map[uint64]bool{},
		Out: map[isa.RegClass]map[uint64]bool{},
	}
	for k, v := range in.Operands {
		cp := *v
		out.Operands[k] = &cp
	}
	for k, v := range in.Modifiers {
		cp := *v
		out.Modifiers[k] = &cp
	}
	for cls, names := range in.RegsByClass {
		m := make(map[string]bool, len(names))
		for n := range names {
			m[n] = true
		}
		out.RegsByClass[cls] = m
	}
	for cls, idxs := range in.In {
		m := make(map[uint64]bool, len(idxs))
		for i := range idxs {
			m[i] = true
		}
		out.In[cls] = m
	}
	for cls, idxs := range in.Out {
		m := make(map[uint64]bool, len(idxs))
		for i := range idxs {
			m[i] = true
		}
		out.Out[cls] = m
	}
	return out
}

// Equal reports structural equality: same def, same operand/modifier
// values, independent of operand object identity.
func (in *Instruction) Equal(other *Instruction) bool {
	if in.Def != other.Def {
		return false
	}
	if len(in.Operands) != len(other.Operands) || len(in.Modifiers) != len(other.Modifiers) {
		return false
	}
	for name, op := range in.Operands {
		o, ok := other.Operands[name]
		if !ok || o.Value != op.Value || o.Valid != op.Valid {
			return false
		}
	}
	for name, mod := range in.Modifiers {
		o, ok := other.Modifiers[name]
		if !ok || o.Value != mod.Value || o.Valid != mod.Valid {
			return false
		}
	}
	return true
}

func ensureClassMap(m map[isa.RegClass]map[uint64]bool, cls isa.RegClass) map[uint64]bool {
	s, ok := m[cls]
	if !ok {
		s = make(map[uint64]bool)
		m[cls] = s
	}
	return s
}

// Disassemble decodes one instruction of def's declared size starting at
// bytes[0], labeling it with pc. Malformed individual operand ranges mark
// that operand invalid rather than aborting the whole instruction.
func Disassemble(def *isa.InstructionDef, bytes []byte, pc uint64) (*Instruction, error) {
	if len(bytes) < def.SizeBytes {
		return nil, fmt.Errorf("instruction: need %d bytes for %q, have %d", def.SizeBytes, def.Name, len(bytes))
	}
	raw  := append([]byte(nil), bytes[:def.SizeBytes]...)
	inst := &Instruction{
		Def: def,
		PC: pc,
		Raw: raw,
		Operands: map[string]*Operand{},
		Modifiers: map[string]*Operand{},
		RegsByClass: map[isa.RegClass]map[string]bool{},
		In: map[isa.RegClass]map[uint64]bool{},
		Out: map[isa.RegClass]map[uint64]bool{},
	}

	decodeGroup := func(group map[string]isa.OperandSchema, dst map[string]*Operand) {
		for name, schema := range group {
			value, err := isa.GetOperand(raw, def, name)
			op := &Operand{Schema: schema, Valid: err == nil}
			if err == nil {
				op.Value = value
				if schema.Kind == isa.KindImmediateSigned && schema.BitWidth > 0 && schema.BitWidth < 64 {
					shift := 64 - schema.BitWidth
					op.Signed = int64(value<<uint(shift)) >> uint(shift)
				}
				op.Rendered = renderOperand(schema, value, op.Signed)
			}
			dst[name] = op

			if !op.Valid || schema.Kind != isa.KindRegister {
				continue
			}
			cls := schema.RegClass
			if inst.RegsByClass[cls] == nil {
				inst.RegsByClass[cls] = map[string]bool{}
			}
			inst.RegsByClass[cls][name] = true
			switch schema.Direction {
			case isa.DirRead:
				ensureClassMap(inst.In, cls)[value] = true
			case isa.DirWrite:
				ensureClassMap(inst.Out, cls)[value] = true
			case isa.DirReadWrite:
				ensureClassMap(inst.In, cls)[value] = true
				ensureClassMap(inst.Out, cls)[value] = true
			}
		}
	}
	decodeGroup(def.Operands, inst.Operands)
	decodeGroup(def.Modifiers, inst.Modifiers)

	return inst, nil
}

func renderOperand(schema isa.OperandSchema, value uint64, signed int64) string {
	switch schema.Kind {
	case isa.KindRegister:
		return fmt.Sprintf("%s%d", regPrefix(schema.RegClass), value)
	case isa.KindImmediateSigned:
		return fmt.Sprintf("%d", signed)
	case isa.KindImmediateUnsigned:
		return fmt.Sprintf("0x%x", value)
	case isa.KindPredicate:
		return fmt.Sprintf("P%d", value)
	case isa.KindMemoryDescriptor:
		return fmt.Sprintf("[0x%x]", value)
	default:
		return fmt.Sprintf("0x%x", value)
	}
}

func regPrefix(cls isa.RegClass) string {
	switch cls {
	case isa.RegPredicate:
		return "P"
	case isa.RegUniform:
		return "UR"
	case isa.RegUniformPredicate:
		return "UP"
	default:
		return "R"
	}
}

// Encode re-serializes the instruction into a freshly allocated byte slice
// sized to its definition, starting from the opcode bytes and writing every
// present operand/modifier. disassemble(encode(x)) must equal x for every
// well-formed x.
func Encode(in *Instruction) ([]byte, error) {
	buf, err := isa.NewSkeleton(in.Def)
	if err != nil {
		return nil, err
	}
	for name, op := range in.Operands {
		if !op.Valid {
			continue
		}
		if err := isa.SetOperand(buf, in.Def, name, op.Value); err != nil {
			return nil, fmt.Errorf("instruction: encoding operand %q: %w", name, err)
		}
	}
	for name, mod := range in.Modifiers {
		if !mod.Valid {
			continue
		}
		if err := isa.SetOperand(buf, in.Def, name, mod.Value); err != nil {
			return nil, fmt.Errorf("instruction: encoding modifier %q: %w", name, err)
		}
	}
	return buf, nil
}
