// config.go - YAML process configuration for tracectl, grounded on
// bobbydeveaux-starbucks-mugs/internal/config's "parse once at process
// start into a typed struct" pattern (gopkg.in/yaml.v3), with CLI flags
// (cmd/ie32to64/main.go's flag style) overriding individual fields.
//
// License: GPLv3 or later
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RecipeConfig names one recipe instance to register into the trace task
// factory, with the knobs its kind needs.
type RecipeConfig struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"` // "count_control_flow" or "trace_stores"
	CapacitySlots uint32 `yaml:"capacity_slots,omitempty"`
	StoreOpcode   string `yaml:"store_opcode,omitempty"`
}

// TaskConfig is one trace task declaration: a regexp filter matched
// against the function's demangled name, and the recipes it runs.
type TaskConfig struct {
	Name    string `yaml:"name"`
	Filter  string `yaml:"filter"`
	Recipes []string `yaml:"recipes"`
}

// Config is tracectl's whole process configuration.
type Config struct {
	// IsaMetadataDir holds one *.yaml descriptor per architecture family,
	// loaded with isa.LoadInstructionSets.
	IsaMetadataDir string `yaml:"isa_metadata_dir"`
	// DeviceArch selects which machine image a fat binary's resolve_function
	// extracts.
	DeviceArch string `yaml:"device_arch"`
	// TransportSocket is the scheduler transport's listening socket path.
	// Left empty, tracectl runs with no sink: results are still computed
	// and printed, just never shipped over the wire.
	TransportSocket string `yaml:"transport_socket,omitempty"`

	Recipes []RecipeConfig `yaml:"recipes"`
	Tasks   []TaskConfig `yaml:"tasks"`
}

// LoadConfig reads and parses the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tracectl: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("tracectl: parsing config %s: %w", path, err)
	}
	if cfg.IsaMetadataDir == "" {
		return nil, fmt.Errorf("tracectl: config %s: isa_metadata_dir is required", path)
	}
	if cfg.DeviceArch == "" {
		return nil, fmt.Errorf("tracectl: config %s: device_arch is required", path)
	}
	return &cfg, nil
}
