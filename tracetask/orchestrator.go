// orchestrator.go - the per-launch entry point: selects matching trace
// tasks, deduplicates instrumentation contexts per (kernel, recipe) within
// a capsule, and emits both event kinds to the transport.
//
// License: GPLv3 or later
package tracetask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/instrument"
	"github.com/gwatch-io/gwatch/transport"
)

// TaskResult is one matched trace task's aggregated outcome for one launch.
type TaskResult struct {
	GlobalID     string
	TaskName     string
	TraceResults map[string]map[string]any
	Errors       map[string]error
}

type capsuleState struct {
	mu    sync.Mutex
	plans map[string]*instrument.Plan
}

// Orchestrator runs against a factory of recipes and
// trace tasks, emitting results to sink.
type Orchestrator struct {
	factory *Factory
	sink    transport.Sink
	logger  *slog.Logger

	mu       sync.Mutex
	capsules map[string]*capsuleState
	seq      *idSequencer
}

// NewOrchestrator builds an orchestrator over factory, emitting events to
// sink. logger may be nil.
func NewOrchestrator(factory *Factory, sink transport.Sink, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		factory: factory,
		sink: sink,
		logger: logger,
		capsules: map[string]*capsuleState{},
		seq: newIDSequencer(),
	}
}

func (o *Orchestrator) capsule(name string) *capsuleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.capsules[name]
	if !ok {
		cs = &capsuleState{plans: map[string]*instrument.Plan{}}
		o.capsules[name] = cs
	}
	return cs
}

// OnLaunch is the on_launch handler: it matches demangledName against every
// registered trace task's filter and, for each match, builds (or reuses)
// each named recipe's instrumentation context, launches it, collects its
// results, and emits the parent task and newly built child recipe events.
// Returns nil, nil if no task matches.
func (o *Orchestrator) OnLaunch(
	ctx           context.Context,
	capsule       string,
	tid           uint64,
	demangledName string,
	instCtx       *instrument.Context,
	hooks         driver.Hooks,
	scratchAlloc  driver.ScratchAllocator,
	base          driver.LaunchParams,
) ([]*TaskResult, error) {
	matching := o.factory.MatchingTasks(demangledName)
	if len(matching) == 0 {
		return nil, nil
	}

	cs        := o.capsule(capsule)
	kernelKey := instCtx.Kernel.MangledName + "@" + instCtx.Kernel.Arch

	var out []*TaskResult
	for _, task := range matching {
		recipes, err := o.factory.resolveRecipes(task)
		if err != nil {
			o.warn("OnLaunch", err)
			continue
		}

		taskGlobalID := o.seq.nextGlobalID(capsule, tid, instCtx.Kernel.MangledName)
		traceResults := map[string]map[string]any{}
		errs         := map[string]error{}

		for _, recipe := range recipes {
			planKey := kernelKey + "|" + recipe.Name
			plan, isNew, err := cs.planFor(ctx, planKey, instCtx, hooks, recipe)
			if err != nil {
				errs[recipe.Name] = fmt.Errorf("tracetask: building %q: %w", recipe.Name, err)
				o.warn("OnLaunch", errs[recipe.Name])
				continue
			}

			res, err := instrument.LaunchAndCollect(ctx, hooks, scratchAlloc, base, plan)
			if err != nil {
				errs[recipe.Name] = fmt.Errorf("tracetask: launching %q: %w", recipe.Name, err)
				o.warn("OnLaunch", errs[recipe.Name])
				continue
			}
			for name, r := range res.TraceResults {
				traceResults[name] = r
			}
			for name, e := range res.Errors {
				errs[name] = e
			}

			if isNew {
				childID := o.seq.nextGlobalID(capsule, tid, instCtx.Kernel.MangledName)
				o.emit(ctx, childID, instCtx.Kernel.MangledName, recipe.Name, res.TraceResults[recipe.Name])
			}
		}

		o.emit(ctx, taskGlobalID, instCtx.Kernel.MangledName, task.Name, flatten(traceResults))
		out = append(out, &TaskResult{GlobalID: taskGlobalID, TaskName: task.Name, TraceResults: traceResults, Errors: errs})
	}
	return out, nil
}

// planFor returns the cached Plan for planKey, building it via
// instrument.Build on a cache miss.
func (cs *capsuleState) planFor(ctx context.Context, planKey string, instCtx *instrument.Context, hooks driver.Hooks, recipe *instrument.Recipe) (*instrument.Plan, bool, error) {
	cs.mu.Lock()
	if plan, ok := cs.plans[planKey]; ok {
		cs.mu.Unlock()
		return plan, false, nil
	}
	cs.mu.Unlock()

	plan, err := instrument.Build(ctx, instCtx, hooks, []*instrument.Recipe{recipe})
	if err != nil {
		return nil, false, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if existing, ok := cs.plans[planKey]; ok {
		return existing, false, nil
	}
	cs.plans[planKey] = plan
	return plan, true, nil
}

func (o *Orchestrator) emit(ctx context.Context, globalID, target, kind string, traceResults map[string]any) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Emit(ctx, transport.RowInsertEvent(globalID, target, kind)); err != nil {
		o.warn("emit row insert", err)
	}
	kv, err := transport.KVWriteEvent(globalID, traceResults)
	if err != nil {
		o.warn("emit kv write", err)
		return
	}
	if err := o.sink.Emit(ctx, kv); err != nil {
		o.warn("emit kv write", err)
	}
}

func (o *Orchestrator) warn(op string, err error) {
	if o.logger != nil {
		o.logger.Warn(op, slog.String("error", err.Error()))
	}
}

// flatten merges a task's per-recipe trace results into the single value
// the parent task's KV write carries.
func flatten(traceResults map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(traceResults))
	for name, r := range traceResults {
		out[name] = r
	}
	return out
}
