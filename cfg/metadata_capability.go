// metadata_capability.go - a Capability implementation driven entirely by
// an isa.InstructionSet's control-flow classification fields, so a new
// architecture family needs only a metadata descriptor and no Go code.
//
// License: GPLv3 or later
package cfg

import (
	"fmt"

	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
)

// MetadataCapability classifies PCs by decoding the instruction word at
// that address out of image and consulting its InstructionDef's
// classification fields. image must be the same whole machine-code image
// byte slice the PCs it is asked about were decoded against (kernel.Extract
// records PCs as image-absolute addresses for exactly this reason).
type MetadataCapability struct {
	set   *isa.InstructionSet
	image []byte
}

// NewMetadataCapability builds a Capability over set that decodes against
// image.
func NewMetadataCapability(set *isa.InstructionSet, image []byte) *MetadataCapability {
	return &MetadataCapability{set: set, image: image}
}

func (c *MetadataCapability) defAt(pc uint64) (*isa.InstructionDef, []byte, bool) {
	if pc >= uint64(len(c.image)) {
		return nil, nil, false
	}
	buf := c.image[pc:]
	def, ok := isa.MatchDef(c.set, buf)
	if !ok {
		return nil, nil, false
	}
	return def, buf[:def.SizeBytes], true
}

func (c *MetadataCapability) IsBranch(pc uint64) bool {
	def, _, ok := c.defAt(pc)
	return ok && def.IsBranch
}

func (c *MetadataCapability) IsConditionalBranch(pc uint64) bool {
	def, _, ok := c.defAt(pc)
	return ok && def.IsConditionalBranch
}

func (c *MetadataCapability) IsTerminator(pc uint64) bool {
	def, _, ok := c.defAt(pc)
	return ok && def.IsTerminator
}

func (c *MetadataCapability) BranchTarget(pc uint64) (uint64, bool) {
	def, word, ok := c.defAt(pc)
	if !ok || !def.IsBranch || def.TargetOperand == "" {
		return 0, false
	}
	target, err := isa.GetOperand(word, def, def.TargetOperand)
	if err != nil {
		return 0, false
	}
	return target, true
}

// SetBranchTarget rewrites in's target operand, satisfying
// instrument.TargetPatcher so a metadata-described architecture supports
// splicing without any architecture-specific Go code.
func (c *MetadataCapability) SetBranchTarget(in *instruction.Instruction, newTarget uint64) error {
	if in.Def.TargetOperand == "" {
		return fmt.Errorf("cfg: instruction %q has no declared target operand", in.Def.Name)
	}
	if op, ok := in.Operands[in.Def.TargetOperand]; ok {
		op.Value = newTarget
		op.Valid = true
		return nil
	}
	if mod, ok := in.Modifiers[in.Def.TargetOperand]; ok {
		mod.Value = newTarget
		mod.Valid = true
		return nil
	}
	return fmt.Errorf("cfg: instruction %q has no operand %q to patch", in.Def.Name, in.Def.TargetOperand)
}
