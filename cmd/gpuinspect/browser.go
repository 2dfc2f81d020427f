// browser.go - the interactive read-eval-print loop over one kernel's
// disassembly. Raw-mode stdin handling is grounded on terminal_host.go
// (term.MakeRaw/term.Restore around a read loop); the cursor/focus/
// scrollback bookkeeping is grounded on debug_monitor.go's MachineMonitor
// (a focused entity plus an append-only output buffer), adapted from an
// asynchronous breakpoint-driven debugger to a synchronous, single-kernel
// disassembly browser.
//
// License: GPLv3 or later
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.design/x/clipboard"
	"golang.org/x/term"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/instruction"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

// browser holds the state of one interactive session over k: which
// instruction is focused, how far the listing has scrolled, and whether
// the liveness overlay for the focused block is shown.
type browser struct {
	k       *kernel.Kernel
	cursor  int // index into k.Instructions
	top     int // first visible instruction index
	rows    int
	liveness bool
	status  string

	clipboardOK bool
}

func newBrowser(k *kernel.Kernel) *browser {
	return &browser{k: k, rows: 24}
}

func (b *browser) run() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return b.runNonInteractive()
	}

	if _, h, err := term.GetSize(fd); err == nil && h > 4 {
		b.rows = h - 4
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("gpuinspect: entering raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	b.clipboardOK = clipboard.Init() == nil

	buf := make([]byte, 3)
	b.draw()
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return nil
		}
		if b.handleKey(buf[:n]) {
			return nil
		}
		b.draw()
	}
}

// runNonInteractive dumps the full disassembly once and exits, used when
// stdin isn't a terminal (piped input, CI) rather than failing outright.
func (b *browser) runNonInteractive() error {
	var out strings.Builder
	for i, in := range b.k.Instructions {
		out.WriteString(b.renderLine(i, in))
		out.WriteByte('\n')
	}
	fmt.Print(out.String())
	return nil
}

// handleKey applies one keypress to the browser state, returning true if
// the session should end.
func (b *browser) handleKey(in []byte) bool {
	switch {
	case in[0] == 'q', in[0] == 3: // q or Ctrl-C
		return true
	case in[0] == 'j', eqEscape(in, "\x1b[B"):
		b.move(1)
	case in[0] == 'k', eqEscape(in, "\x1b[A"):
		b.move(-1)
	case in[0] == 'J':
		b.moveBlock(1)
	case in[0] == 'K':
		b.moveBlock(-1)
	case in[0] == 'l':
		b.liveness = !b.liveness
	case in[0] == 'y':
		b.yank()
	case in[0] == 'g':
		b.cursor, b.top = 0, 0
	case in[0] == 'G':
		b.cursor = len(b.k.Instructions) - 1
	}
	b.clampScroll()
	return false
}

func eqEscape(in []byte, seq string) bool { return string(in) == seq }

func (b *browser) move(delta int) {
	b.cursor += delta
	if b.cursor < 0 {
		b.cursor = 0
	}
	if n := len(b.k.Instructions); b.cursor >= n {
		b.cursor = n - 1
	}
}

// moveBlock jumps the cursor to the base PC of the next/previous basic
// block relative to the focused instruction.
func (b *browser) moveBlock(delta int) {
	bb := b.focusedBlock()
	if bb == nil {
		return
	}
	idx := sort.Search(len(b.k.BasicBlocks), func(i int) bool {
		return b.k.BasicBlocks[i].BasePC >= bb.BasePC
	})
	idx += delta
	if idx < 0 || idx >= len(b.k.BasicBlocks) {
		return
	}
	target := b.k.BasicBlocks[idx].BasePC
	for i, in := range b.k.Instructions {
		if in.PC == target {
			b.cursor = i
			return
		}
	}
}

func (b *browser) focusedBlock() *cfg.BasicBlock {
	if b.cursor < 0 || b.cursor >= len(b.k.Instructions) {
		return nil
	}
	pc := b.k.Instructions[b.cursor].PC
	for _, bb := range b.k.BasicBlocks {
		if pc >= bb.BasePC && pc < bb.EndPC {
			return bb
		}
	}
	return nil
}

// yank copies the focused instruction's PC, as hex, to the system
// clipboard, mirroring video_backend_ebiten.go's clipboard.Init/Read
// pairing but in the write direction.
func (b *browser) yank() {
	if !b.clipboardOK {
		b.status = "clipboard unavailable"
		return
	}
	if b.cursor < 0 || b.cursor >= len(b.k.Instructions) {
		return
	}
	pc := b.k.Instructions[b.cursor].PC
	clipboard.Write(clipboard.FmtText, []byte(fmt.Sprintf("0x%x", pc)))
	b.status = fmt.Sprintf("yanked 0x%x", pc)
}

func (b *browser) clampScroll() {
	if b.cursor < b.top {
		b.top = b.cursor
	}
	if b.cursor >= b.top+b.rows {
		b.top = b.cursor - b.rows + 1
	}
	if b.top < 0 {
		b.top = 0
	}
}

func (b *browser) draw() {
	var out strings.Builder
	out.WriteString("\x1b[H\x1b[2J")
	out.WriteString(fmt.Sprintf("%s  arch=%s  blocks=%d  instructions=%d\r\n", b.k.MangledName, b.k.Arch, len(b.k.BasicBlocks), len(b.k.Instructions)))
	out.WriteString("j/k move  J/K block  l liveness  y yank addr  g/G top/bottom  q quit\r\n\r\n")

	end := b.top + b.rows
	if end > len(b.k.Instructions) {
		end = len(b.k.Instructions)
	}
	for i := b.top; i < end; i++ {
		out.WriteString(b.renderLine(i, b.k.Instructions[i]))
		out.WriteString("\r\n")
	}

	if b.liveness {
		out.WriteString("\r\n")
		out.WriteString(b.renderLiveness())
	}
	if b.status != "" {
		out.WriteString("\r\n" + b.status)
	}
	os.Stdout.WriteString(out.String())
}

func (b *browser) renderLine(i int, in *instruction.Instruction) string {
	marker := "  "
	if i == b.cursor {
		marker = "> "
	}
	leader := " "
	for _, bb := range b.k.BasicBlocks {
		if bb.BasePC == in.PC {
			leader = "|"
			break
		}
	}
	return fmt.Sprintf("%s%s 0x%06x  %-16s %s", marker, leader, in.PC, in.Def.Name, renderOperands(in))
}

func renderOperands(in *instruction.Instruction) string {
	names := make([]string, 0, len(in.Operands))
	for name := range in.Operands {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		op := in.Operands[name]
		if !op.Valid {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", name, op.Rendered))
	}
	return strings.Join(parts, ", ")
}

// renderLiveness shows the focused block's per-class live-in/live-out
// register sets, the same data instrument.RegisterAllocator consults to
// avoid colliding with a value that is still live across a splice point.
func (b *browser) renderLiveness() string {
	bb := b.focusedBlock()
	if bb == nil {
		return "(no block focused)"
	}
	var out strings.Builder
	out.WriteString(fmt.Sprintf("block 0x%x..0x%x liveness:\r\n", bb.BasePC, bb.EndPC))
	for _, cls := range isa.AllRegClasses {
		out.WriteString(fmt.Sprintf("  %-20s in=%s out=%s\r\n", cls, regSet(bb.In[cls]), regSet(bb.Out[cls])))
	}
	return out.String()
}

func regSet(m map[uint64]bool) string {
	if len(m) == 0 {
		return "{}"
	}
	regs := make([]uint64, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = fmt.Sprintf("%d", r)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
