package render

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sofmeright/stackfreight/src/progress"
)

// redrawInterval is the fixed repaint rate of the interactive renderer.
const redrawInterval = 100 * time.Millisecond

// barWidth is the character width of the per-service progress bar.
const barWidth = 20

// drainTimeout bounds how long End waits for stream forwarders on the abort
// path, where the scheduler never closed its sinks.
const drainTimeout = 250 * time.Millisecond

var spinnerFrames = []byte{'-', '\\', '|', '/'}

// serviceState tracks the latest known state of one service. Preparing until
// the first event arrives, Building/Pulling while events flow, Done once the
// stream ends or errors. Done is terminal.
type serviceState struct {
	status  string
	percent int // -1 when unknown
	done    bool
	failed  bool
}

// Interactive redraws a live multi-line build summary at a fixed tick.
// End is idempotent and guaranteed-safe to call on every exit path.
type Interactive struct {
	w    io.Writer
	term Terminal

	mu       sync.Mutex
	order    []string
	states   map[string]*serviceState
	frame    int
	drawn    int // lines painted by the previous frame
	started  time.Time
	ended    bool
	cancel   bool
	endOnce  sync.Once
	stopTick chan struct{}
	wg       sync.WaitGroup
	sigCh    chan os.Signal

	// exit is swapped out by tests.
	exit func(code int)
}

// NewInteractive creates a renderer for the given services, drawing to w.
func NewInteractive(w io.Writer, services []string) *Interactive {
	r := &Interactive{
		w:        w,
		term:     NewTerminal(w),
		order:    append([]string(nil), services...),
		states:   map[string]*serviceState{},
		started:  time.Now(),
		stopTick: make(chan struct{}),
		exit:     os.Exit,
	}
	for _, svc := range services {
		r.states[svc] = &serviceState{percent: -1}
	}
	return r
}

// Start begins the redraw loop and registers interrupt handling. An
// interrupt marks the run cancelled, finalizes the renderer, and exits with
// the conventional interrupted status.
func (r *Interactive) Start() {
	r.term.HideCursor()

	r.sigCh = make(chan os.Signal, 1)
	signal.Notify(r.sigCh, os.Interrupt)
	go func() {
		if _, ok := <-r.sigCh; ok {
			r.mu.Lock()
			r.cancel = true
			r.mu.Unlock()
			r.End()
			r.exit(130)
		}
	}()

	go func() {
		ticker := time.NewTicker(redrawInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.redraw()
			case <-r.stopTick:
				return
			}
		}
	}()
}

// Stream returns the event sink for one service. A forwarding goroutine
// applies events to the service's state until the scheduler closes the
// channel, which marks the service Done.
func (r *Interactive) Stream(service string) chan<- progress.Event {
	ch := make(chan progress.Event, 64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range ch {
			r.apply(service, ev)
		}
		r.mu.Lock()
		if st, ok := r.states[service]; ok {
			st.done = true
		}
		r.mu.Unlock()
	}()
	return ch
}

func (r *Interactive) apply(service string, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[service]
	if !ok || st.done {
		return
	}
	switch ev.Kind {
	case progress.KindError:
		st.status = "Error: " + ev.Err
		st.percent = -1
		st.done = true
		st.failed = true
	case progress.KindProgress:
		st.status = ev.Status
		st.percent = ev.Percent
	case progress.KindStatus:
		st.status = ev.Status
		st.percent = -1
	default:
		st.status = ev.Raw
		st.percent = -1
	}
}

// End stops the ticker, unregisters interrupt handling, drains in-flight
// events, and paints a final frame. Subsequent calls are no-ops.
func (r *Interactive) End() {
	r.endOnce.Do(func() {
		close(r.stopTick)
		if r.sigCh != nil {
			signal.Stop(r.sigCh)
			close(r.sigCh)
		}
		r.waitStreams()
		r.mu.Lock()
		r.ended = true
		r.mu.Unlock()
		r.redraw()
		r.term.ShowCursor()
		fmt.Fprintln(r.w)
	})
}

// waitStreams waits for the stream forwarders so buffered events reach the
// final frame. The scheduler closes every sink when its task ends; on an
// interrupt the sinks may stay open, so the wait is bounded.
func (r *Interactive) waitStreams() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}
}

// redraw clears the previously painted window and repaints the global status
// line plus one line per service, truncated to the terminal width.
func (r *Interactive) redraw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn > 0 {
		r.term.CursorUp(r.drawn)
	}
	width := r.term.Width()

	r.term.ClearLine()
	fmt.Fprintln(r.w, truncate(r.headline(), width))

	for _, svc := range r.order {
		r.term.ClearLine()
		fmt.Fprintln(r.w, truncate(r.serviceLine(svc), width))
	}
	r.frame++
	r.drawn = 1 + len(r.order)
}

// headline renders the global status line: a spinner while running, the
// outcome once ended.
func (r *Interactive) headline() string {
	if r.ended {
		if r.cancel {
			return "Build cancelled"
		}
		return fmt.Sprintf("Built %d services in %s", len(r.order), formatDuration(time.Since(r.started)))
	}
	return fmt.Sprintf("%c Building %d services...", spinnerFrames[r.frame%len(spinnerFrames)], len(r.order))
}

// serviceLine renders one service's latest state: a proportional bar when
// progress is known, the latest status text otherwise, "Waiting..." before
// the first event.
func (r *Interactive) serviceLine(service string) string {
	st := r.states[service]
	switch {
	case st.percent >= 0:
		filled := st.percent * barWidth / 100
		if filled > barWidth {
			filled = barWidth
		}
		bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
		return fmt.Sprintf("%-16s [%s] %3d%%", service, bar, st.percent)
	case st.status != "":
		return fmt.Sprintf("%-16s %s", service, st.status)
	default:
		return fmt.Sprintf("%-16s Waiting...", service)
	}
}

// truncate cuts s to at most width bytes without splitting a rune.
func truncate(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	cut := width
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	mins := int(d.Minutes())
	return fmt.Sprintf("%dm%.0fs", mins, d.Seconds()-float64(mins*60))
}
