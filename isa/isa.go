// Package isa holds the immutable, per-architecture instruction-set
// metadata: opcode tables, field bit-ranges, and operand/modifier schemas
// loaded once at process start and shared read-only across threads.
//
// License: GPLv3 or later
package isa

import (
	"fmt"

	"github.com/gwatch-io/gwatch/bitfield"
)

// OperandKind enumerates what an operand schema entry decodes to.
type OperandKind int

const (
	KindRegister OperandKind = iota
	KindImmediateSigned
	KindImmediateUnsigned
	KindMemoryDescriptor
	KindPredicate
)

// Direction is the read/write effect an operand has on its register.
type Direction int

const (
	DirNone Direction = iota
	DirRead
	DirWrite
	DirReadWrite
)

// RegClass is one of the register index spaces a target architecture
// exposes.
type RegClass string

const (
	RegGeneral          RegClass = "general"
	RegPredicate        RegClass = "predicate"
	RegUniform          RegClass = "uniform"
	RegUniformPredicate RegClass = "uniform_predicate"
)

// AllRegClasses lists every class liveness/instrumentation must track.
var AllRegClasses = []RegClass{RegGeneral, RegPredicate, RegUniform, RegUniformPredicate}

// OperandSchema describes one named operand or modifier slot of an
// instruction definition.
type OperandSchema struct {
	Name        string
	Kind        OperandKind
	BitWidth    int
	Direction   Direction
	RegClass    RegClass // only meaningful when Kind == KindRegister
	SubOperands []string // allowed sub-operand type names, e.g. memory descriptor components
}

// FieldAttr is an ordered list of inclusive bit ranges within an
// instruction word, tagged with a symbolic value label used for
// diagnostics and for re-encoding constraints (e.g. a fixed discriminator
// field).
type FieldAttr struct {
	Label  string
	Ranges []bitfield.Range
}

// bitCount returns how many bits this field spans in total.
func (f FieldAttr) bitCount() int {
	n := 0
	for _, r := range f.Ranges {
		n += r.Hi - r.Lo + 1
	}
	return n
}

// overlaps reports whether f and other share any bit position.
func (f FieldAttr) overlaps(other FieldAttr) bool {
	for _, a := range f.Ranges {
		for _, b := range other.Ranges {
			if a.Lo <= b.Hi && b.Lo <= a.Hi {
				return true
			}
		}
	}
	return false
}

// InstructionDef is the static definition of one instruction: its name,
// size, opcode encoding, and the named fields (operands + modifiers) that
// make it up.
type InstructionDef struct {
	Name        string
	SizeBytes   int
	Endian      bitfield.Endian
	OpcodeValue uint64
	OpcodeField FieldAttr
	Operands    map[string]OperandSchema
	Modifiers   map[string]OperandSchema
	Fields      map[string]FieldAttr // name -> bit layout, covers Operands ∪ Modifiers ∪ opcode discriminators

	// ControlFlow classification, supplied by the architecture's metadata
	// descriptor alongside its opcode tables so cfg's generic Capability
	// implementation needs no per-architecture Go code.
	IsBranch            bool
	IsConditionalBranch bool
	IsTerminator        bool
	// TargetOperand names the operand or modifier field carrying the
	// branch's absolute destination address, when IsBranch is set.
	TargetOperand string
}

// wordBits returns the instruction's bit length.
func (d InstructionDef) wordBits() int { return d.SizeBytes * 8 }

// validateNoOverlap enforces the invariant that bit ranges within
// one instruction never overlap.
func (d InstructionDef) validateNoOverlap() error {
	names  := make([]string, 0, len(d.Fields)+1)
	fields := make([]FieldAttr, 0, len(d.Fields)+1)
	names  = append(names, "opcode")
	fields = append(fields, d.OpcodeField)
	for name, f := range d.Fields {
		names  = append(names, name)
		fields = append(fields, f)
	}
	for i := 0; i < len(fields); i++ {
		for j := i + 1; j < len(fields); j++ {
			if fields[i].overlaps(fields[j]) {
				return fmt.Errorf("isa: instruction %q fields %q and %q overlap", d.Name, names[i], names[j])
			}
		}
	}
	return nil
}

// InstructionSet is an immutable, thread-shared collection of instruction
// definitions for one architecture family, indexed both by name and by
// opcode (a multimap, since families frequently reuse opcode bits and
// disambiguate with further discriminator fields).
type InstructionSet struct {
	Arch   string
	Defs   []InstructionDef
	byName map[string]*InstructionDef
	byOp   map[uint64][]*InstructionDef
}

// NewInstructionSet builds and validates an InstructionSet from a list of
// definitions. It is safe to share the result read-only across goroutines.
func NewInstructionSet(arch string, defs []InstructionDef) (*InstructionSet, error) {
	s := &InstructionSet{
		Arch: arch,
		Defs: defs,
		byName: make(map[string]*InstructionDef, len(defs)),
		byOp: make(map[uint64][]*InstructionDef),
	}
	for i := range defs {
		d := &defs[i]
		if err := d.validateNoOverlap(); err != nil {
			return nil, err
		}
		if _, dup := s.byName[d.Name]; dup {
			return nil, fmt.Errorf("isa: duplicate instruction name %q", d.Name)
		}
		s.byName[d.Name] = d
		s.byOp[d.OpcodeValue] = append(s.byOp[d.OpcodeValue], d)
	}
	return s, nil
}

// ByName looks up a definition by its symbolic name.
func (s *InstructionSet) ByName(name string) (*InstructionDef, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// ByOpcode returns every candidate definition sharing an opcode value; the
// caller disambiguates further via discriminator fields.
func (s *InstructionSet) ByOpcode(opcode uint64) []*InstructionDef {
	return s.byOp[opcode]
}

// Skeleton builds an empty instruction-shaped byte buffer sized for def,
// with the opcode field already written.
func (s *InstructionSet) Skeleton(def *InstructionDef) ([]byte, error) {
	return NewSkeleton(def)
}

// NewSkeleton builds an empty instruction-shaped byte buffer sized for def,
// with the opcode field already written. It needs no InstructionSet because
// opcode encoding only depends on the definition itself.
func NewSkeleton(def *InstructionDef) ([]byte, error) {
	buf := make([]byte, def.SizeBytes)
	if err := writeField(buf, def, def.OpcodeField, def.OpcodeValue); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeField encodes value into buf at the bit positions described by f,
// using def's endian and word length.
func writeField(buf []byte, def *InstructionDef, f FieldAttr, value uint64) error {
	n        := f.bitCount()
	valBytes := make([]byte, (n+7)/8)
	for i := 0; i < n && i < 64; i++ {
		if value&(1<<uint(i)) != 0 {
			valBytes[i/8] |= 1 << uint(i%8)
		}
	}
	return bitfield.SetRanges(buf, f.Ranges, def.wordBits(), def.Endian, false, valBytes)
}

// readField decodes the value described by f out of buf.
func readField(buf []byte, def *InstructionDef, f FieldAttr) (uint64, error) {
	raw, err := bitfield.ExtractRanges(buf, f.Ranges, def.wordBits(), def.Endian, false)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < len(raw) && i < 8; i++ {
		v |= uint64(raw[i]) << uint(8*i)
	}
	return v, nil
}

// ReadOpcode decodes def's opcode field out of buf, used by disassemblers to
// pick a candidate definition before any named operand is known.
func ReadOpcode(buf []byte, def *InstructionDef) (uint64, error) {
	return readField(buf, def, def.OpcodeField)
}

// MatchDef finds the definition in set whose opcode field matches buf's
// leading bytes, trying candidates in registration order and returning the
// first structural match. Shared by the kernel extractor's disassembly pass
// and by any Capability implementation that must classify a raw PC without
// a pre-built instruction stream.
func MatchDef(set *InstructionSet, buf []byte) (*InstructionDef, bool) {
	for i := range set.Defs {
		def := &set.Defs[i]
		if len(buf) < def.SizeBytes {
			continue
		}
		value, err := ReadOpcode(buf[:def.SizeBytes], def)
		if err != nil {
			continue
		}
		if value == def.OpcodeValue {
			return def, true
		}
	}
	return nil, false
}

// SetOperand writes value into the named operand or modifier field of buf.
func SetOperand(buf []byte, def *InstructionDef, name string, value uint64) error {
	f, ok := def.Fields[name]
	if !ok {
		return fmt.Errorf("isa: instruction %q has no field %q", def.Name, name)
	}
	return writeField(buf, def, f, value)
}

// GetOperand reads the named operand or modifier field out of buf.
func GetOperand(buf []byte, def *InstructionDef, name string) (uint64, error) {
	f, ok := def.Fields[name]
	if !ok {
		return 0, fmt.Errorf("isa: instruction %q has no field %q", def.Name, name)
	}
	return readField(buf, def, f)
}

// SetConstraint pins a discriminator field (a fixed bit pattern that picks
// one InstructionDef out of an opcode's candidate list) to its declared
// value; used when materializing a skeleton for re-encoding.
func SetConstraint(buf []byte, def *InstructionDef, fieldName string) error {
	f, ok := def.Fields[fieldName]
	if !ok {
		return fmt.Errorf("isa: instruction %q has no discriminator field %q", def.Name, fieldName)
	}
	// Discriminator constraints are recorded with their pinned value as the
	// field's label, parsed back to a uint64.
	var v uint64
	if _, err := fmt.Sscanf(f.Label, "0x%x", &v); err != nil {
		return fmt.Errorf("isa: discriminator field %q has non-numeric label %q", fieldName, f.Label)
	}
	return writeField(buf, def, f, v)
}
