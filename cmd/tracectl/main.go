// Command tracectl drives the instrumentation engine against a captured fat
// binary without a live driver-interception layer attached: it feeds a
// module's bytes straight into the registry as if OnModuleLoad/OnFunctionResolved
// had already fired, resolves one function, instruments it with the
// configured trace tasks, and runs a single simulated launch through
// headlessHooks/headlessScratchAllocator so the whole build/splice/emit/
// marshal/collect pipeline runs end to end against real kernel bytes.
//
// Grounded on cmd/ie32to64's flag-parsing style and on runtime_ipc.go's
// client dial pattern for the optional transport sink.
//
// License: GPLv3 or later
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/recipe"
	"github.com/gwatch-io/gwatch/registry"
	"github.com/gwatch-io/gwatch/tracetask"
	"github.com/gwatch-io/gwatch/transport"
)

func main() {
	configPath := flag.String("config", "config/tracectl.yaml", "path to tracectl's YAML config")
	inputPath := flag.String("input", "", "path to the captured fat binary module")
	mangled := flag.String("function", "", "mangled function name to resolve and instrument")
	outputPath := flag.String("o", "", "write the resolved machine image bytes here, as extracted, not the instrumented image (default: don't write)")
	gridX := flag.Uint("grid-x", 1, "launch grid.x")
	blockX := flag.Uint("block-x", 32, "launch block.x")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tracectl -input module.fatbin -function _Z6kernelPf [options]\n\nRuns the configured trace tasks against one resolved function and\nprints their trace results.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *inputPath == "" || *mangled == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*configPath, *inputPath, *mangled, *outputPath, uint32(*gridX), uint32(*blockX)); err != nil {
		fmt.Fprintf(os.Stderr, "tracectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, inputPath, mangled, outputPath string, gridX, blockX uint32) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	resolver, err := newArchResolver(cfg.IsaMetadataDir)
	if err != nil {
		return err
	}

	moduleBytes, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inputPath, err)
	}

	hooks := newHeadlessHooks()
	scratchAlloc := newHeadlessScratchAllocator()

	reg := registry.New(hooks, cfg.DeviceArch, resolver, logger)

	const (
		ctx   = registry.Context(1)
		mod   = driver.ModuleHandle(1)
		fnHdl = driver.FunctionHandle(1)
	)
	reg.CacheModule(ctx, mod, moduleBytes)
	reg.LinkFunctionToModule(ctx, fnHdl, mod)
	reg.LinkFunctionName(ctx, fnHdl, mangled)

	k, err := reg.ResolveFunction(ctx, fnHdl)
	if err != nil {
		return fmt.Errorf("resolving function %q: %w", mangled, err)
	}

	image, err := reg.ImageForFunction(ctx, fnHdl)
	if err != nil {
		return fmt.Errorf("fetching image for %q: %w", mangled, err)
	}
	capability, ok := resolver.CapabilityFor(k.Arch, image)
	if !ok {
		return fmt.Errorf("no cfg capability for arch %q", k.Arch)
	}
	synth, ok := resolver.synthFor(k.Arch)
	if !ok {
		return fmt.Errorf("no instruction synthesizer for arch %q", k.Arch)
	}

	instCtx := &instrument.Context{
		Kernel:      k,
		Capability:  capability,
		Image:       image,
		SectionName: k.SectionName,
	}

	factory := tracetask.NewFactory()
	if err := registerRecipes(factory, cfg, synth); err != nil {
		return err
	}
	if err := registerTasks(factory, cfg); err != nil {
		return err
	}

	var sink transport.Sink
	if cfg.TransportSocket != "" {
		s, err := transport.DialUnixSocketSink(cfg.TransportSocket)
		if err != nil {
			return fmt.Errorf("dialing transport socket %s: %w", cfg.TransportSocket, err)
		}
		defer s.Close()
		sink = s
	}

	orch := tracetask.NewOrchestrator(factory, sink, logger)

	ctxBg := context.Background()
	attrs, err := reg.ReportFunctionAttributes(ctxBg, ctx, fnHdl)
	if err != nil {
		logger.Warn("report_function_attributes", slog.String("error", err.Error()))
	} else {
		fmt.Printf("function: %s (registers=%d shared=%d const=%d local=%d)\n",
			attrs.DemangledName, attrs.RegisterCount, attrs.SharedSizeBytes, attrs.ConstSizeBytes, attrs.LocalSizeBytes)
	}

	base := driver.LaunchParams{
		Grid:  driver.Dim3{X: gridX, Y: 1, Z: 1},
		Block: driver.Dim3{X: blockX, Y: 1, Z: 1},
	}
	demangledName := mangled
	if attrs != nil && attrs.DemangledName != "" {
		demangledName = attrs.DemangledName
	}

	results, err := orch.OnLaunch(ctxBg, "tracectl-capsule", 0, demangledName, instCtx, hooks, scratchAlloc, base)
	if err != nil {
		return fmt.Errorf("on_launch: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("no trace task matched this function's demangled name")
	}
	for _, r := range results {
		fmt.Printf("task %q (global_id=%s):\n", r.TaskName, r.GlobalID)
		for name, tr := range r.TraceResults {
			fmt.Printf("  %s: %v\n", name, tr)
		}
		for name, e := range r.Errors {
			fmt.Printf("  %s: error: %v\n", name, e)
		}
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, image, 0644); err != nil {
			return fmt.Errorf("writing machine image to %s: %w", outputPath, err)
		}
	}
	return nil
}

// registerRecipes builds one instrument.Recipe per RecipeConfig and registers
// it into factory, dispatching on Kind the way the factory's name-keyed
// registration expects every recipe to be built once at process start.
func registerRecipes(factory *tracetask.Factory, cfg *Config, synth instrument.InstructionSynth) error {
	for _, rc := range cfg.Recipes {
		switch rc.Kind {
		case "count_control_flow":
			r := recipe.CountControlFlow(synth)
			r.Name = rc.Name
			factory.RegisterRecipe(r)
		case "trace_stores":
			if rc.CapacitySlots == 0 {
				return fmt.Errorf("recipe %q: trace_stores requires capacity_slots > 0", rc.Name)
			}
			opcode := rc.StoreOpcode
			if opcode == "" {
				opcode = "st.global"
			}
			isStore := storeOpcodeMatcher(opcode)
			r := recipe.TraceStores(synth, rc.CapacitySlots, isStore)
			r.Name = rc.Name
			factory.RegisterRecipe(r)
		default:
			return fmt.Errorf("recipe %q: unknown kind %q", rc.Name, rc.Kind)
		}
	}
	return nil
}

// storeOpcodeMatcher builds the recipe.TraceStores predicate from a single
// configured instruction name, the common case of one store-class mnemonic
// per architecture family (sm_90 has exactly one: st.global).
func storeOpcodeMatcher(name string) func(def *isa.InstructionDef) bool {
	return func(def *isa.InstructionDef) bool {
		return def.Name == name
	}
}

func registerTasks(factory *tracetask.Factory, cfg *Config) error {
	for _, tc := range cfg.Tasks {
		filter, err := regexp.Compile(tc.Filter)
		if err != nil {
			return fmt.Errorf("task %q: compiling filter %q: %w", tc.Name, tc.Filter, err)
		}
		factory.RegisterTask(&tracetask.Task{Name: tc.Name, RecipeNames: tc.Recipes, Filter: filter})
	}
	return nil
}
