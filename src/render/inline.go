package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sofmeright/stackfreight/src/progress"
)

// Inline prints one line per service per event with no redraws, suitable for
// pipes and CI logs.
type Inline struct {
	mu      sync.Mutex
	w       io.Writer
	order   []string
	started time.Time
	endOnce sync.Once
	wg      sync.WaitGroup
}

// NewInline creates an inline renderer for the given services.
func NewInline(w io.Writer, services []string) *Inline {
	return &Inline{
		w:       w,
		order:   append([]string(nil), services...),
		started: time.Now(),
	}
}

// Start is a no-op; the inline renderer has no redraw loop.
func (r *Inline) Start() {}

// Stream returns the event sink for one service; each event prints
// immediately as a prefixed line.
func (r *Inline) Stream(service string) chan<- progress.Event {
	ch := make(chan progress.Event, 64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range ch {
			r.print(service, ev)
		}
	}()
	return ch
}

func (r *Inline) print(service string, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case progress.KindError:
		fmt.Fprintf(r.w, "[%s] error: %s\n", service, ev.Err)
	case progress.KindProgress:
		fmt.Fprintf(r.w, "[%s] %d%% %s\n", service, ev.Percent, ev.Status)
	case progress.KindStatus:
		fmt.Fprintf(r.w, "[%s] %s\n", service, ev.Status)
	default:
		fmt.Fprintf(r.w, "[%s] %s\n", service, ev.Raw)
	}
}

// End waits for in-flight streams and prints the final summary once.
func (r *Inline) End() {
	r.endOnce.Do(func() {
		r.wg.Wait()
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Fprintf(r.w, "Built %d services in %s\n", len(r.order), formatDuration(time.Since(r.started)))
	})
}
