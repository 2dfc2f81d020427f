// Command traceviz renders a "count control flow" recipe's trace_results
// as a colored grid, one cell per basic block, shaded by how many times
// that block executed relative to the hottest block in the run.
//
// It reads the same JSON shape the scheduler transport's kv_write event
// carries under "/trace/<global_id>" (transport.KVWriteEvent's Value), so
// a capture piped straight off the wire or printed by tracectl works
// unmodified.
//
// License: GPLv3 or later
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
)

func main() {
	inputPath := flag.String("input", "", "path to a trace_results JSON dump (one task's flattened kv_write value)")
	recipeName := flag.String("recipe", "block_counts", "key of the count_control_flow recipe's results within the dump")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: traceviz -input trace_results.json [options]\n\nRenders a basic-block execution heatmap.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	stats, err := loadBlockStats(*inputPath, *recipeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "traceviz: %v\n", err)
		os.Exit(1)
	}

	g := newHeatmapGame(stats)
	ebiten.SetWindowSize(g.Layout(0, 0))
	ebiten.SetWindowTitle("traceviz - block count heatmap")
	if err := ebiten.RunGame(g); err != nil {
		fmt.Fprintf(os.Stderr, "traceviz: %v\n", err)
		os.Exit(1)
	}
}

// blockStat is one basic block's execution count, as recorded by
// recipe.CountControlFlow's Collect.
type blockStat struct {
	PC    uint64
	Count uint64
}

// loadBlockStats reads path's JSON dump and extracts recipeName's
// "block_pcs"/"block_counts" pair, the shape recipe.CountControlFlow's
// Collect returns and instrument.Result.TraceResults carries under the
// recipe's own name.
func loadBlockStats(path, recipeName string) ([]blockStat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var dump map[string]map[string]any
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	recipe, ok := dump[recipeName]
	if !ok {
		return nil, fmt.Errorf("%s: no recipe named %q in dump", path, recipeName)
	}
	pcs, err := numberSlice(recipe["block_pcs"])
	if err != nil {
		return nil, fmt.Errorf("%s: block_pcs: %w", path, err)
	}
	counts, err := numberSlice(recipe["block_counts"])
	if err != nil {
		return nil, fmt.Errorf("%s: block_counts: %w", path, err)
	}
	if len(pcs) != len(counts) {
		return nil, fmt.Errorf("%s: block_pcs has %d entries, block_counts has %d", path, len(pcs), len(counts))
	}
	stats := make([]blockStat, len(pcs))
	for i := range pcs {
		stats[i] = blockStat{PC: uint64(pcs[i]), Count: uint64(counts[i])}
	}
	return stats, nil
}

func numberSlice(v any) ([]float64, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON array, got %T", v)
	}
	out := make([]float64, len(raw))
	for i, item := range raw {
		n, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number: %T", i, item)
		}
		out[i] = n
	}
	return out, nil
}
