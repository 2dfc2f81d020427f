// heatmap.go - the ebiten.Game that draws the block-count grid, grounded
// on video_backend_ebiten.go's Update/Draw/Layout split (EbitenOutput):
// same three-method shape, but drawing a data grid instead of blitting a
// framebuffer, and with nothing to poll for input since the view is
// static once loaded.
//
// License: GPLv3 or later
package main

import (
	"fmt"
	"image/color"
	"math"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"golang.org/x/image/font/basicfont"
)

const (
	cellWidth   = 140
	cellHeight  = 48
	cellsPerRow = 6
	margin      = 8
)

// heatmapGame lays stats out in row-major grid order (the same order
// recipe.CountControlFlow built block_pcs/block_counts in, i.e. k.BasicBlocks
// order) and colors each cell from cold (unexecuted) to hot (the run's
// busiest block).
type heatmapGame struct {
	stats  []blockStat
	maxCnt uint64
}

func newHeatmapGame(stats []blockStat) *heatmapGame {
	var max uint64
	for _, s := range stats {
		if s.Count > max {
			max = s.Count
		}
	}
	return &heatmapGame{stats: stats, maxCnt: max}
}

func (g *heatmapGame) Update() error {
	if ebiten.IsWindowBeingClosed() {
		return ebiten.Termination
	}
	return nil
}

func (g *heatmapGame) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{R: 0x10, G: 0x10, B: 0x18, A: 0xFF})

	for i, s := range g.stats {
		row := i / cellsPerRow
		col := i % cellsPerRow
		x := float32(margin + col*(cellWidth+margin))
		y := float32(margin + row*(cellHeight+margin))

		vector.DrawFilledRect(screen, x, y, cellWidth, cellHeight, heatColor(s.Count, g.maxCnt), false)

		label := fmt.Sprintf("blk %d\npc=0x%x\nn=%d", i, s.PC, s.Count)
		text.Draw(screen, label, basicfont.Face7x13, int(x)+4, int(y)+14, color.White)
	}
}

func (g *heatmapGame) Layout(_, _ int) (int, int) {
	rows := (len(g.stats) + cellsPerRow - 1) / cellsPerRow
	if rows == 0 {
		rows = 1
	}
	w := margin + cellsPerRow*(cellWidth+margin)
	h := margin + rows*(cellHeight+margin)
	return w, h
}

// heatColor maps count into a blue (cold) to red (hot) gradient scaled
// against max, on a log curve so one dominant loop block doesn't wash out
// every cooler block to the same near-zero shade.
func heatColor(count, max uint64) color.RGBA {
	if max == 0 || count == 0 {
		return color.RGBA{R: 0x30, G: 0x30, B: 0x50, A: 0xFF}
	}
	t := math.Log1p(float64(count)) / math.Log1p(float64(max))
	if t > 1 {
		t = 1
	}
	r := uint8(0x30 + t*(0xFF-0x30))
	b := uint8(0x50 - t*0x50)
	g := uint8(0x30 + t*0x30)
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}
}
