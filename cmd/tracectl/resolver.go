// resolver.go - the concrete registry.ArchResolver tracectl builds from its
// configured ISA metadata directory: InstructionSetFor is a plain map
// lookup, CapabilityFor hands back cfg.MetadataCapability for every
// architecture since its control-flow classification is entirely
// descriptor-driven. synthFor is tracectl's own lookup,
// not part of registry.ArchResolver, because instruction synthesis is the
// one piece of a new architecture family that is still Go code (sm90.Synth)
// rather than data.
//
// License: GPLv3 or later
package main

import (
	"fmt"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/sm90"
)

// archResolver wraps the ISA metadata sets loaded from one directory.
type archResolver struct {
	sets map[string]*isa.InstructionSet
}

func newArchResolver(isaDir string) (*archResolver, error) {
	sets, err := isa.LoadInstructionSets(isaDir)
	if err != nil {
		return nil, fmt.Errorf("tracectl: loading isa metadata from %s: %w", isaDir, err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("tracectl: no *.yaml descriptors found in %s", isaDir)
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

// synthFor returns the instrument.InstructionSynth for arch, the one piece
// of a new architecture family tracectl cannot load from YAML.
func (r *archResolver) synthFor(arch string) (instrument.InstructionSynth, bool) {
	set, ok := r.sets[arch]
	if !ok {
		return nil, false
	}
	switch arch {
	case "sm_90":
		return sm90.New(set), true
	default:
		return nil, false
	}
}
