// Command gpuinspect is an interactive terminal browser over one resolved
// kernel's disassembly, basic-block graph, and per-block liveness sets: an
// offline read-only counterpart to tracectl, for looking at what an
// architecture's metadata descriptor actually decoded before trusting a
// recipe to instrument it.
//
// License: GPLv3 or later
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/registry"
)

func main() {
	inputPath := flag.String("input", "", "path to the captured fat binary module")
	mangled := flag.String("function", "", "mangled function name to resolve")
	isaDir := flag.String("isa", "config/isa", "directory of *.yaml architecture descriptors")
	arch := flag.String("arch", "sm_90", "device architecture tag to select from the fat binary")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gpuinspect -input module.fatbin -function _Z6kernelPf [options]\n\nInteractive disassembly/CFG/liveness browser.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *inputPath == "" || *mangled == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*inputPath, *mangled, *isaDir, *arch); err != nil {
		fmt.Fprintf(os.Stderr, "gpuinspect: %v\n", err)
		os.Exit(1)
	}
}

func run(inputPath, mangled, isaDir, arch string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	resolver, err := newArchResolver(isaDir)
	if err != nil {
		return err
	}

	moduleBytes, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inputPath, err)
	}

	reg := registry.New(nil, arch, resolver, logger)

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
	instrument.EnsureLiveness(k)

	b := newBrowser(k)
	return b.run()
}
