package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeDump(t *testing.T, dump map[string]map[string]any) string {
	t.Helper()
	data, err := json.Marshal(dump)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "trace.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadBlockStatsParsesMatchingPairs(t *testing.T) {
	path := writeDump(t, map[string]map[string]any{
		"block_counts": {
			"block_pcs":    []any{0, 16, 32},
			"block_counts": []any{5, 0, 42},
		},
	})
	stats, err := loadBlockStats(path, "block_counts")
	if err != nil {
		t.Fatalf("loadBlockStats: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected 3 stats, got %d", len(stats))
	}
	if stats[2].PC != 32 || stats[2].Count != 42 {
		t.Fatalf("unexpected stat: %+v", stats[2])
	}
}

func TestLoadBlockStatsMissingRecipe(t *testing.T) {
	path := writeDump(t, map[string]map[string]any{
		"other": {"block_pcs": []any{0}, "block_counts": []any{1}},
	})
	if _, err := loadBlockStats(path, "block_counts"); err == nil {
		t.Fatalf("expected an error for a missing recipe name")
	}
}

func TestLoadBlockStatsMismatchedLengths(t *testing.T) {
	path := writeDump(t, map[string]map[string]any{
		"block_counts": {
			"block_pcs":    []any{0, 16},
			"block_counts": []any{1},
		},
	})
	if _, err := loadBlockStats(path, "block_counts"); err == nil {
		t.Fatalf("expected an error for mismatched slice lengths")
	}
}

func TestNumberSliceRejectsNonArray(t *testing.T) {
	if _, err := numberSlice("not an array"); err == nil {
		t.Fatalf("expected an error for a non-array value")
	}
}

func TestNumberSliceRejectsNonNumericElement(t *testing.T) {
	if _, err := numberSlice([]any{1.0, "oops"}); err == nil {
		t.Fatalf("expected an error for a non-numeric element")
	}
}

func TestNewHeatmapGameTracksMaxCount(t *testing.T) {
	g := newHeatmapGame([]blockStat{{PC: 0, Count: 3}, {PC: 4, Count: 99}, {PC: 8, Count: 7}})
	if g.maxCnt != 99 {
		t.Fatalf("expected maxCnt=99, got %d", g.maxCnt)
	}
}

func TestLayoutGrowsWithRowCount(t *testing.T) {
	g := newHeatmapGame(make([]blockStat, cellsPerRow+1))
	w, h := g.Layout(0, 0)
	if w != margin+cellsPerRow*(cellWidth+margin) {
		t.Fatalf("unexpected width %d", w)
	}
	if h != margin+2*(cellHeight+margin) {
		t.Fatalf("expected two rows of height, got %d", h)
	}
}

func TestLayoutHandlesEmptyStats(t *testing.T) {
	g := newHeatmapGame(nil)
	_, h := g.Layout(0, 0)
	if h != margin+1*(cellHeight+margin) {
		t.Fatalf("expected a single placeholder row, got height %d", h)
	}
}

func TestHeatColorColdWhenZero(t *testing.T) {
	c := heatColor(0, 100)
	if c.R != 0x30 || c.G != 0x30 || c.B != 0x50 {
		t.Fatalf("expected the cold color for a zero count, got %+v", c)
	}
}

func TestHeatColorHottestAtMax(t *testing.T) {
	c := heatColor(100, 100)
	if c.R != 0xFF {
		t.Fatalf("expected full red at the hottest block, got %+v", c)
	}
}

func TestHeatColorMonotonicWithCount(t *testing.T) {
	low := heatColor(2, 1000)
	high := heatColor(500, 1000)
	if high.R <= low.R {
		t.Fatalf("expected redder shade for a higher count: low=%+v high=%+v", low, high)
	}
}
