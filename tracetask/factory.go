// Package tracetask composes instrumentation recipes over a kernel launch:
// it selects the trace tasks whose name filter matches a launched
// function's demangled name, deduplicates instrumentation contexts per (kernel, recipe)
// within a capsule, and hands the aggregated results to the scheduler
// transport.
//
// Grounded on coprocessor_manager.go's name-keyed worker-type registry,
// turned into a recipe/trace-task factory discoverable by name and
// registered once at process start.
//
// License: GPLv3 or later
package tracetask

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/gwatch-io/gwatch/instrument"
)

// Task is a user-declared bundle of recipes with a name filter, matched
// against the launched function's demangled name.
type Task struct {
	Name        string
	RecipeNames []string
	Filter      *regexp.Regexp
}

// Factory is the process-wide name-keyed registry of recipes and trace
// tasks. Safe for concurrent registration and lookup.
type Factory struct {
	mu      sync.RWMutex
	recipes map[string]*instrument.Recipe
	tasks   map[string]*Task
}

// NewFactory builds an empty factory.
func NewFactory() *Factory {
	return &Factory{
		recipes: map[string]*instrument.Recipe{},
		tasks: map[string]*Task{},
	}
}

// RegisterRecipe makes r discoverable by name. Registering a second recipe
// under the same name replaces the first: last registration wins, no
// runtime re-registration expected.
func (f *Factory) RegisterRecipe(r *instrument.Recipe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipes[r.Name] = r
}

// RegisterTask makes t discoverable by name.
func (f *Factory) RegisterTask(t *Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.Name] = t
}

// Recipe looks up a registered recipe by name.
func (f *Factory) Recipe(name string) (*instrument.Recipe, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.recipes[name]
	return r, ok
}

// MatchingTasks returns every registered task whose filter matches
// demangledName, sorted by task name for determinism.
func (f *Factory) MatchingTasks(demangledName string) []*Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Task
	for _, t := range f.tasks {
		if t.Filter.MatchString(demangledName) {
			out = append(out, t)
		}
	}
	sortTasksByName(out)
	return out
}

func sortTasksByName(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j-1].Name > tasks[j].Name; j-- {
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

// resolveRecipes maps a task's recipe names through the factory, failing
// fast on a name that was never registered (a configuration error, not a
// per-launch NotReady condition).
func (f *Factory) resolveRecipes(t *Task) ([]*instrument.Recipe, error) {
	out := make([]*instrument.Recipe, len(t.RecipeNames))
	for i, name := range t.RecipeNames {
		r, ok := f.Recipe(name)
		if !ok {
			return nil, fmt.Errorf("tracetask: task %q references unregistered recipe %q", t.Name, name)
		}
		out[i] = r
	}
	return out, nil
}
