package builder

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sofmeright/stackfreight/src/compose"
	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/progress"
	"github.com/sofmeright/stackfreight/src/qemu"
)

// Scheduler turns image descriptors into tasks and drives the daemon's build
// API concurrently per service.
type Scheduler struct {
	Daemon  daemon.Daemon
	Project string

	// Inline degrades progress adaptation to plain status lines for
	// non-interactive output.
	Inline bool

	// NeedsQemu rewrites local build archives to inject the emulator at
	// EmulatorPath (a host path from the provisioner).
	NeedsQemu    bool
	EmulatorPath string
}

// Streams hands out one event sink per service; the renderer provides it.
type Streams interface {
	Stream(service string) chan<- progress.Event
}

// Prepare produces one task per descriptor. Descriptors lacking an assigned
// tag get the computed default, propagated back onto the descriptor.
// contexts maps service name to its packaged build context stream.
func (s *Scheduler) Prepare(descriptors []*compose.ImageDescriptor, contexts map[string]*BuildInput, streams Streams, callerOpts daemon.BuildOptions) ([]*Task, error) {
	tasks := make([]*Task, 0, len(descriptors))
	for _, d := range descriptors {
		task := &Task{
			Service: d.ServiceName,
			Log:     &progress.LogBuffer{},
			Sink:    streams.Stream(d.ServiceName),
		}

		if d.External() {
			task.External = true
			task.ImageRef = d.Image
			task.Tag = d.Image
			tasks = append(tasks, task)
			continue
		}

		if d.Build.Tag == "" {
			d.Build.Tag = compose.DefaultTag(s.Project, d.ServiceName)
		}
		task.Tag = d.Build.Tag

		in := contexts[d.ServiceName]
		if in != nil {
			task.BuildStream = in.Stream
			task.Dockerfile = in.Dockerfile
			task.ProjectType = in.ProjectType
		}

		task.Options = MergeOptions(callerOpts, d.Build.Args)
		task.Options.Tag = task.Tag
		if d.Build.Dockerfile != "" {
			task.Options.Dockerfile = d.Build.Dockerfile
			task.Dockerfile = d.Build.Dockerfile
		}

		if s.NeedsQemu {
			if task.BuildStream == nil {
				return nil, fmt.Errorf("no build stream for task %q", task.Service)
			}
			task.BuildStream = qemu.TransformStream(task.BuildStream, s.EmulatorPath)
			task.QemuPath = qemu.ContextPath(s.EmulatorPath)
		}

		tasks = append(tasks, task)
	}
	return tasks, nil
}

// BuildInput carries one service's packaged context plus detection metadata.
type BuildInput struct {
	Stream      io.ReadCloser
	Dockerfile  string
	ProjectType string
}

// MergeOptions merges caller-supplied daemon options with per-service build
// arguments. Caller options win on conflicting top-level keys; argument maps
// are merged rather than replaced, caller entries winning.
func MergeOptions(caller daemon.BuildOptions, svcArgs map[string]string) daemon.BuildOptions {
	merged := caller
	if len(svcArgs) > 0 {
		args := make(map[string]string, len(svcArgs)+len(caller.BuildArgs))
		for k, v := range svcArgs {
			args[k] = v
		}
		for k, v := range caller.BuildArgs {
			args[k] = v
		}
		merged.BuildArgs = args
	}
	return merged
}

// Run dispatches all tasks concurrently and collects one BuiltImage per
// service. The first failed build aborts the batch: the error is tagged with
// the offending service and remaining builds are cancelled. The returned
// slice always has one entry per task, so callers can render partial results
// on failure.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) ([]BuiltImage, error) {
	results := make([]BuiltImage, len(tasks))

	g, ctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = s.runTask(ctx, task)
			if !results[i].Success {
				return &ServiceError{Service: task.Service, Err: results[i].Error}
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// runTask executes one task: a pull for external images, a build otherwise,
// then an image size lookup. The task's sink is closed when its stream ends.
func (s *Scheduler) runTask(ctx context.Context, task *Task) (built BuiltImage) {
	built = BuiltImage{
		Service:     task.Service,
		ImageName:   task.Tag,
		Dockerfile:  task.Dockerfile,
		ProjectType: task.ProjectType,
		StartedAt:   time.Now(),
	}
	defer func() {
		built.EndedAt = time.Now()
		built.Logs = task.Log.String()
		if task.Sink != nil {
			close(task.Sink)
		}
	}()

	var err error
	if task.External {
		err = s.Daemon.Pull(ctx, task.ImageRef, daemon.Auth{}, func(msg daemon.Message) {
			s.emitPull(task, msg)
		})
	} else {
		if task.BuildStream == nil {
			built.Error = fmt.Errorf("no build stream for task %q", task.Service)
			return built
		}
		defer task.BuildStream.Close()
		err = s.Daemon.Build(ctx, task.Options, task.BuildStream, func(msg daemon.Message) {
			s.emitBuild(task, msg)
		})
	}
	if err != nil {
		built.Error = err
		return built
	}

	info, err := s.Daemon.Inspect(ctx, task.Tag)
	if err != nil {
		// A build only counts once its image can be sized.
		built.Error = fmt.Errorf("inspecting built image: %w", err)
		return built
	}
	built.Size = info.Size
	built.Success = true
	return built
}

// emitPull adapts raw pull-progress messages into structured events.
func (s *Scheduler) emitPull(task *Task, msg daemon.Message) {
	ev := progress.AdaptPullMessage(progress.PullMessage{
		Status: msg.Status,
		ID:     msg.ID,
		Error:  msg.Error,
		ProgressDetail: struct {
			Current int64 `json:"current"`
			Total   int64 `json:"total"`
		}{msg.ProgressDetail.Current, msg.ProgressDetail.Total},
	})
	task.Log.Append(ev)
	s.emit(task, ev)
}

// emitBuild splits raw build output into lines, strips ANSI sequences,
// captures the log, and adapts each line into a structured event. Inline
// rendering skips percentage computation.
func (s *Scheduler) emitBuild(task *Task, msg daemon.Message) {
	if msg.Error != "" {
		ev := progress.Error(msg.Error)
		task.Log.Append(ev)
		s.emit(task, ev)
		return
	}
	if msg.Stream == "" {
		return
	}
	for _, line := range progress.SplitLines(msg.Stream) {
		clean := progress.StripANSI(line)
		task.Log.AppendLine(clean)

		var ev progress.Event
		if s.Inline {
			ev = progress.Status(clean)
		} else {
			ev = progress.ParseBuildLine(clean)
		}
		s.emit(task, ev)
	}
}

func (s *Scheduler) emit(task *Task, ev progress.Event) {
	if task.Sink != nil {
		task.Sink <- ev
	}
}
