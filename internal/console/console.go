// Package console serializes all shell output through a single writer.
//
// Sessions, background dispatches, and the prompt loop all produce output
// concurrently. Every tagged line flows through one ordered channel consumed
// by one goroutine, so concurrent producers never interleave partial lines.
// Per-producer ordering is preserved; cross-producer ordering is arrival
// order.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Line is one unit of tagged output: text attributed to a node.
// An empty Node renders without a tag (shell-level notices).
type Line struct {
	Node string
	Text string
	Err  bool
}

// ColorMode mirrors the config setting: "auto", "always", or "never".
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// tagPalette holds the ANSI colors cycled through for node tags.
// Stable per node for the life of the console, assigned on first use.
var tagPalette = []lipgloss.Color{
	"2", // green
	"6", // cyan
	"4", // blue
	"5", // magenta
	"3", // yellow
	"10", "14", "12", "13", "11",
}

// Console is the shared output sink.
type Console struct {
	lines chan Line
	done  chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// gate is held for the duration of a raw bridge so line output cannot
	// tear the raw byte stream. Lines produced meanwhile queue in the
	// channel and flush on resume.
	gate sync.Mutex

	w     io.Writer
	color bool

	tagMu  sync.Mutex
	tags   map[string]lipgloss.Style
	next   int
	errSty lipgloss.Style
	mutSty lipgloss.Style
}

// New creates a console writing to w and starts its writer goroutine.
func New(w io.Writer, mode ColorMode) *Console {
	c := &Console{
		lines:  make(chan Line, 1024),
		done:   make(chan struct{}),
		w:      w,
		color:  useColor(w, mode),
		tags:   make(map[string]lipgloss.Style),
		errSty: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		mutSty: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
	go c.loop()
	return c
}

// useColor applies the configured mode; "auto" probes the terminal's color
// profile and disables styling for pipes and dumb terminals.
func useColor(w io.Writer, mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if f, ok := w.(*os.File); ok {
		return termenv.NewOutput(f).Profile != termenv.Ascii
	}
	return false
}

// Write queues a tagged line. Blocks only when the channel is full behind a
// suspended console (an attached raw bridge).
// Writes after Close are dropped; a backgrounded dispatch may outlive the
// console during shutdown.
func (c *Console) Write(line Line) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.lines <- line:
	case <-c.done:
	}
}

// Printf writes an untagged shell-level line through the ordered channel.
func (c *Console) Printf(format string, args ...interface{}) {
	c.Write(Line{Text: fmt.Sprintf(format, args...)})
}

// Notice writes an untagged, muted informational line.
func (c *Console) Notice(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	if c.color {
		text = c.mutSty.Render(text)
	}
	c.Write(Line{Text: text})
}

// Errorf writes an error line attributed to a node ("" for shell-level).
func (c *Console) Errorf(node string, err error) {
	c.Write(Line{Node: node, Text: err.Error(), Err: true})
}

// Suspend blocks the writer goroutine after the line it is currently
// rendering. Called by the raw bridge before it takes over the terminal;
// the matching Resume must come from the same goroutine.
func (c *Console) Suspend() {
	c.gate.Lock()
}

// Resume releases the writer; queued lines flush immediately after.
func (c *Console) Resume() {
	c.gate.Unlock()
}

// Close stops the writer after draining queued lines.
func (c *Console) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.lines)
	c.closeMu.Unlock()
	<-c.done
}

func (c *Console) loop() {
	defer close(c.done)
	for line := range c.lines {
		c.gate.Lock()
		c.render(line)
		c.gate.Unlock()
	}
}

func (c *Console) render(line Line) {
	text := line.Text
	if line.Err && c.color {
		text = c.errSty.Render(text)
	}
	if line.Node == "" {
		fmt.Fprintln(c.w, text)
		return
	}
	fmt.Fprintf(c.w, "%s %s\n", c.tag(line.Node), text)
}

// tag returns the styled "[node]" prefix, assigning a palette color on the
// node's first appearance.
func (c *Console) tag(node string) string {
	plain := "[" + node + "]"
	if !c.color {
		return plain
	}
	c.tagMu.Lock()
	sty, ok := c.tags[node]
	if !ok {
		sty = lipgloss.NewStyle().Foreground(tagPalette[c.next%len(tagPalette)]).Bold(true)
		c.tags[node] = sty
		c.next++
	}
	c.tagMu.Unlock()
	return sty.Render(plain)
}
