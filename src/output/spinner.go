package output

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"-", "\\", "|", "/"}

// Spinner animates a single stage line while a long operation runs, then
// replaces it with a status icon. On non-terminal writers it degrades to a
// plain start line plus a result line.
type Spinner struct {
	w        io.Writer
	label    string
	animate  bool
	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewSpinner starts a spinner for the given stage label.
func NewSpinner(w io.Writer, label string) *Spinner {
	s := &Spinner{
		w:       w,
		label:   label,
		animate: isTerminal(),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	if !s.animate {
		fmt.Fprintf(w, "%s\n", label)
		return s
	}
	s.done.Add(1)
	go s.spin()
	return s
}

func (s *Spinner) spin() {
	defer s.done.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	frame := 0
	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(s.w, "\r%s %s", spinnerFrames[frame%len(spinnerFrames)], s.label)
			frame++
		case <-s.stop:
			fmt.Fprint(s.w, "\r\033[2K")
			return
		}
	}
}

// Stop ends the animation and prints the final stage line. Idempotent.
func (s *Spinner) Stop(ok bool) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.done.Wait()
		status := "success"
		if !ok {
			status = "failed"
		}
		fmt.Fprintf(s.w, "%s %s %s\n", StatusIcon(status, UseColor()), s.label, Dimmed(FormatElapsed(time.Since(s.started)), UseColor()))
	})
}
