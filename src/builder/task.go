// Package builder converts image descriptors into per-service build tasks and
// drives them concurrently against the container daemon, producing one
// BuiltImage per service.
package builder

import (
	"fmt"
	"io"
	"time"

	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/progress"
)

// Task is one service's unit of build work. Created once per image
// descriptor and consumed exactly once by the scheduler.
type Task struct {
	Service     string
	External    bool   // pre-built image, pulled instead of built
	ImageRef    string // external tasks only
	Tag         string
	Dockerfile  string
	ProjectType string

	BuildStream io.ReadCloser // tar build context; nil for external tasks
	Options     daemon.BuildOptions

	Log  *progress.LogBuffer
	Sink chan<- progress.Event

	// QemuPath is the context-relative emulator path when the build archive
	// was rewritten for emulation.
	QemuPath string
}

// BuiltImage is the result of one service's build.
type BuiltImage struct {
	Service     string
	Success     bool
	Error       error
	ImageName   string
	Logs        string
	StartedAt   time.Time
	EndedAt     time.Time
	Size        int64
	Dockerfile  string
	ProjectType string
}

// ServiceError tags a build failure with the offending service name.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
