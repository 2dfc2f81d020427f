// loader.go - YAML descriptor loading for per-architecture instruction sets.
//
// One descriptor file per instruction family, read once at startup. The
// on-disk schema mirrors the semantic model in isa.go, and consumers treat
// the exact file layout as an implementation detail; the rest of the module
// only ever sees the parsed InstructionSet.

package isa

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gwatch-io/gwatch/bitfield"
)

type descriptorFile struct {
	Arch         string `yaml:"arch"`
	Instructions []instructionDescriptor `yaml:"instructions"`
}

type instructionDescriptor struct {
	Name      string `yaml:"name"`
	SizeBytes int `yaml:"size_bytes"`
	Endian    string `yaml:"endian"`
	Opcode    fieldDescriptor `yaml:"opcode"`
	Operands  []operandDescriptor `yaml:"operands"`
	Modifiers []operandDescriptor `yaml:"modifiers"`

	Branch            bool `yaml:"branch"`
	ConditionalBranch bool `yaml:"conditional_branch"`
	Terminator        bool `yaml:"terminator"`
	TargetOperand     string `yaml:"target_operand"`
}

type fieldDescriptor struct {
	Label  string `yaml:"label"`
	Value  uint64 `yaml:"value"`
	Ranges []rangeDescriptor `yaml:"ranges"`
}

type rangeDescriptor struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

type operandDescriptor struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	BitWidth    int `yaml:"bit_width"`
	Direction   string `yaml:"direction"`
	RegClass    string `yaml:"reg_class"`
	SubOperands []string `yaml:"sub_operands"`
	Field       fieldDescriptor `yaml:"field"`
}

func parseEndian(s string) (bitfield.Endian, error) {
	switch s {
	case "", "little":
		return bitfield.Little, nil
	case "big":
		return bitfield.Big, nil
	default:
		return 0, fmt.Errorf("isa: unknown endian %q", s)
	}
}

func parseKind(s string) (OperandKind, error) {
	switch s {
	case "register":
		return KindRegister, nil
	case "immediate_signed":
		return KindImmediateSigned, nil
	case "immediate_unsigned":
		return KindImmediateUnsigned, nil
	case "memory":
		return KindMemoryDescriptor, nil
	case "predicate":
		return KindPredicate, nil
	default:
		return 0, fmt.Errorf("isa: unknown operand kind %q", s)
	}
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "", "none":
		return DirNone, nil
	case "r":
		return DirRead, nil
	case "w":
		return DirWrite, nil
	case "rw":
		return DirReadWrite, nil
	default:
		return 0, fmt.Errorf("isa: unknown direction %q", s)
	}
}

func toRanges(rs []rangeDescriptor) []bitfield.Range {
	out := make([]bitfield.Range, len(rs))
	for i, r := range rs {
		out[i] = bitfield.Range{Lo: r.Lo, Hi: r.Hi}
	}
	return out
}

func buildOperandSchema(od operandDescriptor) (OperandSchema, FieldAttr, error) {
	kind, err := parseKind(od.Kind)
	if err != nil {
		return OperandSchema{}, FieldAttr{}, err
	}
	dir, err := parseDirection(od.Direction)
	if err != nil {
		return OperandSchema{}, FieldAttr{}, err
	}
	schema := OperandSchema{
		Name: od.Name,
		Kind: kind,
		BitWidth: od.BitWidth,
		Direction: dir,
		RegClass: RegClass(od.RegClass),
		SubOperands: od.SubOperands,
	}
	field := FieldAttr{Label: od.Field.Label, Ranges: toRanges(od.Field.Ranges)}
	return schema, field, nil
}

// LoadInstructionSet parses a single architecture-family YAML descriptor
// file into an InstructionSet.
func LoadInstructionSet(path string) (*InstructionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("isa: reading descriptor %s: %w", path, err)
	}
	var df descriptorFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("isa: parsing descriptor %s: %w", path, err)
	}

	defs := make([]InstructionDef, 0, len(df.Instructions))
	for _, id := range df.Instructions {
		endian, err := parseEndian(id.Endian)
		if err != nil {
			return nil, fmt.Errorf("isa: %s: instruction %q: %w", path, id.Name, err)
		}
		def := InstructionDef{
			Name: id.Name,
			SizeBytes: id.SizeBytes,
			Endian: endian,
			OpcodeValue: id.Opcode.Value,
			OpcodeField: FieldAttr{Label: id.Opcode.Label, Ranges: toRanges(id.Opcode.Ranges)},
			Operands: make(map[string]OperandSchema, len(id.Operands)),
			Modifiers: make(map[string]OperandSchema, len(id.Modifiers)),
			Fields: make(map[string]FieldAttr, len(id.Operands)+len(id.Modifiers)),
			IsBranch: id.Branch,
			IsConditionalBranch: id.ConditionalBranch,
			IsTerminator: id.Terminator,
			TargetOperand: id.TargetOperand,
		}
		for _, od := range id.Operands {
			schema, field, err := buildOperandSchema(od)
			if err != nil {
				return nil, fmt.Errorf("isa: %s: instruction %q operand %q: %w", path, id.Name, od.Name, err)
			}
			def.Operands[od.Name] = schema
			def.Fields[od.Name] = field
		}
		for _, md := range id.Modifiers {
			schema, field, err := buildOperandSchema(md)
			if err != nil {
				return nil, fmt.Errorf("isa: %s: instruction %q modifier %q: %w", path, id.Name, md.Name, err)
			}
			def.Modifiers[md.Name] = schema
			def.Fields[md.Name] = field
		}
		defs = append(defs, def)
	}

	return NewInstructionSet(df.Arch, defs)
}

// LoadInstructionSets loads every *.yaml file directly inside dir as a
// separate architecture family.
func LoadInstructionSets(dir string) (map[string]*InstructionSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("isa: reading metadata directory %s: %w", dir, err)
	}
	out := make(map[string]*InstructionSet)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) < 6 || name[len(name)-5:] != ".yaml" {
			continue
		}
		set, err := LoadInstructionSet(dir + "/" + name)
		if err != nil {
			return nil, err
		}
		out[set.Arch] = set
	}
	return out, nil
}
