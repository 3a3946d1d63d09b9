// Package render presents live per-service build progress. The interactive
// renderer owns a redraw ticker and repaints a multi-line summary at a fixed
// rate; the inline renderer prints one line per event for non-terminal
// output. Both consume the per-service event channels the scheduler writes.
package render

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Terminal is the line-oriented cursor capability the interactive renderer
// draws through.
type Terminal interface {
	Width() int
	HideCursor()
	ShowCursor()
	CursorUp(n int)
	ClearLine()
}

// ansiTerminal drives a real terminal with ANSI control sequences.
type ansiTerminal struct {
	w  io.Writer
	fd int
}

// NewTerminal wraps a writer in the ANSI terminal implementation. Width
// queries use the writer's fd when it is a real terminal.
func NewTerminal(w io.Writer) Terminal {
	t := &ansiTerminal{w: w, fd: -1}
	if f, ok := w.(*os.File); ok {
		t.fd = int(f.Fd())
	}
	return t
}

func (t *ansiTerminal) Width() int {
	if t.fd >= 0 {
		if w, _, err := term.GetSize(t.fd); err == nil && w > 0 {
			return w
		}
	}
	return 80
}

func (t *ansiTerminal) HideCursor()    { fmt.Fprint(t.w, "\x1b[?25l") }
func (t *ansiTerminal) ShowCursor()    { fmt.Fprint(t.w, "\x1b[?25h") }
func (t *ansiTerminal) CursorUp(n int) { fmt.Fprintf(t.w, "\x1b[%dA", n) }
func (t *ansiTerminal) ClearLine()     { fmt.Fprint(t.w, "\x1b[2K\r") }

// IsTerminal reports whether the writer is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
