// Package progress normalizes raw daemon output into structured per-service
// events and captures build logs. Raw daemon lines and pull-progress messages
// are decoded once at the pipeline boundary into a tagged Event variant;
// everything downstream (renderer, log buffer) switches on the tag instead of
// sniffing shapes.
package progress

// Kind discriminates the Event variant.
type Kind int

const (
	// KindStatus carries a status line with no progress information.
	KindStatus Kind = iota
	// KindProgress carries a status line plus a percentage.
	KindProgress
	// KindError carries a daemon-reported error message.
	KindError
	// KindRaw carries an unrecognized payload, logged unchanged.
	KindRaw
)

// Event is one normalized progress event for a single service.
type Event struct {
	Kind    Kind
	Status  string
	Percent int // meaningful only when Kind == KindProgress
	Err     string
	Raw     string
}

// Status returns a status-only event.
func Status(s string) Event {
	return Event{Kind: KindStatus, Status: s}
}

// Progress returns a status event with a percentage.
func Progress(s string, pct int) Event {
	return Event{Kind: KindProgress, Status: s, Percent: pct}
}

// Error returns an error event.
func Error(msg string) Event {
	return Event{Kind: KindError, Err: msg}
}

// Raw returns a pass-through event for payloads with no recognized shape.
func Raw(payload string) Event {
	return Event{Kind: KindRaw, Raw: payload}
}
