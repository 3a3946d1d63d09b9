package progress

import (
	"fmt"
	"strings"
	"sync"
)

// MaxLogBytes caps the captured log of one service build.
const MaxLogBytes = 512 * 1024

// LogBuffer accumulates rendered log lines for one service. It is written
// only by that service's own pipeline but read by the release stage after the
// build settles, so writes are guarded.
type LogBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

// Append renders an event into the buffer using its tagged shape:
// errors become an error line, progress+status pairs render as
// "<progress>% <status>", bare statuses are logged verbatim, and raw
// payloads are appended unchanged.
func (l *LogBuffer) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ev.Kind {
	case KindError:
		fmt.Fprintf(&l.b, "error: %s\n", ev.Err)
	case KindProgress:
		fmt.Fprintf(&l.b, "%d%% %s\n", ev.Percent, ev.Status)
	case KindStatus:
		fmt.Fprintf(&l.b, "%s\n", ev.Status)
	default:
		fmt.Fprintf(&l.b, "%s\n", ev.Raw)
	}
}

// AppendLine records a pre-rendered log line.
func (l *LogBuffer) AppendLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(line)
	l.b.WriteByte('\n')
}

// Len returns the current buffer size in bytes.
func (l *LogBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Len()
}

// String returns the captured log truncated to MaxLogBytes. Truncation never
// cuts mid-line: the result ends at the last newline boundary at or before
// the cap.
func (l *LogBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Truncate(l.b.String(), MaxLogBytes)
}

// Truncate cuts s to at most max bytes, ending at a newline boundary when one
// exists within the cap.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx >= 0 {
		return cut[:idx+1]
	}
	return cut
}
