// resolver.go - gpuinspect's registry.ArchResolver, the same
// descriptor-loading shape as tracectl's, duplicated rather than shared
// because gpuinspect never needs instruction synthesis and a `main` package
// can't be imported by another command.
//
// License: GPLv3 or later
package main

import (
	"fmt"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/isa"
)

type archResolver struct {
	sets map[string]*isa.InstructionSet
}

func newArchResolver(isaDir string) (*archResolver, error) {
	sets, err := isa.LoadInstructionSets(isaDir)
	if err != nil {
		return nil, fmt.Errorf("gpuinspect: loading isa metadata from %s: %w", isaDir, err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("gpuinspect: no *.yaml descriptors found in %s", isaDir)
	}
	return &archResolver{sets: sets}, nil
}

func (r *archResolver) InstructionSetFor(arch string) (*isa.InstructionSet, bool) {
	set, ok := r.sets[arch]
	return set, ok
}

func (r *archResolver) CapabilityFor(arch string, image []byte) (cfg.Capability, bool) {
	set, ok := r.sets[arch]
	if !ok {
		return nil, false
	}
	return cfg.NewMetadataCapability(set, image), true
}
