// Package instrument is the instrumentation engine:
// given a kernel and a set of recipes, it allocates registers, splices in
// each recipe's instruction sequence, re-emits the kernel's image, extends
// the launch with the scratch memory the recipes need, and collects their
// results after the launch completes.
//
// License: GPLv3 or later
package instrument

import (
	"context"
	"fmt"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/kernel"
	"github.com/gwatch-io/gwatch/liveness"
)

// Result is the outcome of one Run: the decoded trace results keyed by
// recipe name, and any recipe that failed during collection ("collected
// with errors") without the others being lost.
type Result struct {
	TraceResults map[string]map[string]any
	Errors       map[string]error
}

// Context carries what one instrumentation pass over a kernel needs beyond
// the recipes themselves: the kernel, its architecture's Capability, and
// the full ELF sub-image it was extracted from (Emit rewrites this, not
// just the kernel's own byte range).
type Context struct {
	Kernel      *kernel.Kernel
	Capability  cfg.Capability
	Image       []byte
	SectionName string
}

// EnsureLiveness triggers the one-shot per-block liveness fill if it
// hasn't already run for k.
func EnsureLiveness(k *kernel.Kernel) {
	if k.LivenessComputed() {
		return
	}
	liveness.Compute(k.BasicBlocks, k.ByPC)
	k.MarkLivenessComputed()
}

// Plan is the outcome of Build: an instrumented module already loaded with
// the driver, and each recipe's splice/scratch/collect plan. A Plan is safe
// to reuse across multiple launches of the same kernel with the same
// recipe set (tracetask's deduplication); only LaunchAndCollect needs to
// run again per launch, since scratch buffers are per-launch device memory.
type Plan struct {
	Function    driver.FunctionHandle
	Kernel      *kernel.Kernel
	Builds      map[string]*BuildResult
	RecipeOrder []string
}

// Build runs steps 1 through 4 against c.Kernel for every recipe: shared
// register allocation, splicing, image re-emission, and loading the
// instrumented module with the driver.
func Build(ctx context.Context, c *Context, hooks driver.Hooks, recipes []*Recipe) (*Plan, error) {
	EnsureLiveness(c.Kernel)

	alloc  := NewRegisterAllocator(c.Kernel)
	builds := make(map[string]*BuildResult, len(recipes))
	order  := make([]string, len(recipes))
	var allPoints []SplicePoint

	for i, r := range recipes {
		res, err := r.Build(c.Kernel, alloc)
		if err != nil {
			return nil, fmt.Errorf("instrument: recipe %q build failed: %w", r.Name, err)
		}
		for j := range res.SplicePoints {
			if res.SplicePoints[j].Priority == 0 {
				res.SplicePoints[j].Priority = r.Priority
			}
		}
		allPoints = append(allPoints, res.SplicePoints...)
		builds[r.Name] = res
		order[i] = r.Name
	}

	spliced, err := Splice(c.Kernel.Instructions, c.Capability, allPoints)
	if err != nil {
		return nil, err
	}

	image, err := Emit(c.Image, c.SectionName, spliced)
	if err != nil {
		return nil, err
	}

	mod, err := hooks.LoadModule(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("instrument: loading instrumented module: %w", err)
	}
	fn, err := hooks.GetFunction(ctx, mod, c.Kernel.MangledName)
	if err != nil {
		return nil, fmt.Errorf("instrument: resolving instrumented function: %w", err)
	}

	return &Plan{Function: fn, Kernel: c.Kernel, Builds: builds, RecipeOrder: order}, nil
}

// LaunchAndCollect runs steps 5 and 6 against an already-built Plan: launch
// marshalling, the blocking launch itself, and result collection. Callers
// that dedup instrumentation contexts across launches (tracetask) call
// Build once and LaunchAndCollect on every matching on_launch event.
func LaunchAndCollect(ctx context.Context, hooks driver.Hooks, scratchAlloc driver.ScratchAllocator, base driver.LaunchParams, plan *Plan) (*Result, error) {
	resultsInOrder := make([]*BuildResult, len(plan.RecipeOrder))
	for i, name := range plan.RecipeOrder {
		resultsInOrder[i] = plan.Builds[name]
	}
	launch, scratch, err := marshal(ctx, scratchAlloc, plan.Kernel, base, resultsInOrder)
	if err != nil {
		return nil, err
	}
	launch.Function = plan.Function

	if launch.Shmem > base.Shmem {
		if current, attrErr := hooks.FuncGetAttribute(ctx, plan.Function, driver.AttrMaxDynamicSharedMemory); attrErr == nil && int(launch.Shmem) > current {
			if err := hooks.FuncSetAttribute(ctx, plan.Function, driver.AttrMaxDynamicSharedMemory, int(launch.Shmem)); err != nil {
				return nil, fmt.Errorf("instrument: raising dynamic shared memory: %w", err)
			}
		}
	}

	if err := hooks.Launch(ctx, plan.Function, launch); err != nil {
		return nil, fmt.Errorf("instrument: launching instrumented kernel: %w", err)
	}
	if err := hooks.StreamSynchronize(ctx, launch.Stream); err != nil {
		return nil, fmt.Errorf("instrument: synchronizing stream: %w", err)
	}

	perRecipe := make(map[string][]marshalledScratch, len(plan.RecipeOrder))
	i         := 0
	for _, name := range plan.RecipeOrder {
		var bufs []marshalledScratch
		for range plan.Builds[name].ScratchBuffers {
			bufs = append(bufs, scratch[i])
			i++
		}
		perRecipe[name] = bufs
	}

	traceResults, errs := collect(ctx, scratchAlloc, perRecipe, plan.Builds)
	return &Result{TraceResults: traceResults, Errors: errs}, nil
}

// Run is Build followed by LaunchAndCollect, for the common one-shot case
// where no cross-launch deduplication is needed.
func Run(ctx context.Context, c *Context, hooks driver.Hooks, scratchAlloc driver.ScratchAllocator, base driver.LaunchParams, recipes []*Recipe) (*Result, error) {
	plan, err := Build(ctx, c, hooks, recipes)
	if err != nil {
		return nil, err
	}
	return LaunchAndCollect(ctx, hooks, scratchAlloc, base, plan)
}
