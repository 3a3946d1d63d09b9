package render

import "github.com/sofmeright/stackfreight/src/progress"

// Renderer is the lifecycle the pipeline drives: a per-service event sink,
// an explicit start, and a guaranteed-idempotent end.
type Renderer interface {
	Start()
	Stream(service string) chan<- progress.Event
	End()
}
