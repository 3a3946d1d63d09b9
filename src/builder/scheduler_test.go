package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sofmeright/stackfreight/src/compose"
	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/progress"
)

// fakeStreams hands out drained, buffered sinks and records every event.
type fakeStreams struct {
	mu     sync.Mutex
	events map[string][]progress.Event
	wg     sync.WaitGroup
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{events: map[string][]progress.Event{}}
}

func (f *fakeStreams) Stream(service string) chan<- progress.Event {
	ch := make(chan progress.Event, 64)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range ch {
			f.mu.Lock()
			f.events[service] = append(f.events[service], ev)
			f.mu.Unlock()
		}
	}()
	return ch
}

func (f *fakeStreams) wait() { f.wg.Wait() }

// fakeDaemon scripts build/pull outcomes per tag.
type fakeDaemon struct {
	mu          sync.Mutex
	built       []daemon.BuildOptions
	pulled      []string
	contexts    map[string]string // tag -> consumed context bytes
	failBuild   map[string]string // tag -> daemon error message
	sizes       map[string]int64
	failInspect map[string]bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		contexts:    map[string]string{},
		failBuild:   map[string]string{},
		sizes:       map[string]int64{},
		failInspect: map[string]bool{},
	}
}

func (f *fakeDaemon) Ping(ctx context.Context) (daemon.Info, error) {
	return daemon.Info{Name: "fake", Arch: "amd64"}, nil
}

func (f *fakeDaemon) Build(ctx context.Context, opts daemon.BuildOptions, buildContext io.Reader, onMessage func(daemon.Message)) error {
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.built = append(f.built, opts)
	f.contexts[opts.Tag] = string(data)
	failMsg := f.failBuild[opts.Tag]
	f.mu.Unlock()

	onMessage(daemon.Message{Stream: "Step 1/2 : FROM alpine\n"})
	if failMsg != "" {
		onMessage(daemon.Message{Error: failMsg})
		return fmt.Errorf("daemon: %s", failMsg)
	}
	onMessage(daemon.Message{Stream: "Step 2/2 : RUN true\n"})
	onMessage(daemon.Message{Stream: fmt.Sprintf("Successfully tagged %s:latest\n", opts.Tag)})
	return nil
}

func (f *fakeDaemon) Pull(ctx context.Context, ref string, auth daemon.Auth, onMessage func(daemon.Message)) error {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	onMessage(daemon.Message{Status: "Pulling from " + ref})
	onMessage(daemon.Message{Status: "Status: Downloaded newer image for " + ref})
	return nil
}

func (f *fakeDaemon) Inspect(ctx context.Context, ref string) (daemon.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInspect[ref] {
		return daemon.ImageInfo{}, fmt.Errorf("no such image: %s", ref)
	}
	size := f.sizes[ref]
	if size == 0 {
		size = 1 << 20
	}
	return daemon.ImageInfo{ID: "sha256:" + ref, Size: size}, nil
}

func (f *fakeDaemon) Tag(ctx context.Context, source, target string) error { return nil }

func (f *fakeDaemon) RemoveTag(ctx context.Context, ref string) error { return nil }

func (f *fakeDaemon) Push(ctx context.Context, ref string, auth daemon.Auth, onMessage func(daemon.Message)) (string, error) {
	return "sha256:0", nil
}

func contextInput(content string) *BuildInput {
	return &BuildInput{
		Stream:     io.NopCloser(strings.NewReader(content)),
		Dockerfile: "Dockerfile",
	}
}

func TestPrepare_DefaultTags(t *testing.T) {
	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "redis", Image: "redis:7-alpine"},
		{ServiceName: "Web", Build: &compose.BuildSpec{Context: "./web"}},
		{ServiceName: "api", Build: &compose.BuildSpec{Context: "./api", Tag: "custom/api:dev"}},
	}
	contexts := map[string]*BuildInput{
		"Web": contextInput("web-tar"),
		"api": contextInput("api-tar"),
	}

	sched := &Scheduler{Daemon: newFakeDaemon(), Project: "MyStack"}
	tasks, err := sched.Prepare(descriptors, contexts, newFakeStreams(), daemon.BuildOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Tag == "" {
			t.Errorf("task %s has no tag", task.Service)
		}
	}
	if tasks[0].Tag != "redis:7-alpine" || !tasks[0].External {
		t.Errorf("external task = %+v", tasks[0])
	}
	if tasks[1].Tag != "mystack_web" {
		t.Errorf("default tag = %q, want mystack_web", tasks[1].Tag)
	}
	if tasks[2].Tag != "custom/api:dev" {
		t.Errorf("explicit tag = %q", tasks[2].Tag)
	}

	// The computed default is written back so later stages see it.
	if descriptors[1].Build.Tag != "mystack_web" {
		t.Errorf("descriptor tag = %q, want propagated default", descriptors[1].Build.Tag)
	}
}

func TestPrepare_QemuNeedsStream(t *testing.T) {
	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "web", Build: &compose.BuildSpec{Context: "."}},
	}
	sched := &Scheduler{
		Daemon:       newFakeDaemon(),
		Project:      "p",
		NeedsQemu:    true,
		EmulatorPath: "/nonexistent/qemu-arm-static-7.0.0",
	}
	_, err := sched.Prepare(descriptors, nil, newFakeStreams(), daemon.BuildOptions{})
	if err == nil || !strings.Contains(err.Error(), `no build stream for task "web"`) {
		t.Fatalf("err = %v, want missing-stream error", err)
	}
}

func TestPrepare_QemuRewritesStream(t *testing.T) {
	binPath := filepath.Join(t.TempDir(), "qemu-arm-static-7.0.0")
	if err := os.WriteFile(binPath, []byte("emu"), 0o755); err != nil {
		t.Fatal(err)
	}
	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "web", Build: &compose.BuildSpec{Context: "."}},
	}
	sched := &Scheduler{
		Daemon:       newFakeDaemon(),
		Project:      "p",
		NeedsQemu:    true,
		EmulatorPath: binPath,
	}
	tasks, err := sched.Prepare(descriptors, map[string]*BuildInput{"web": contextInput("tar")},
		newFakeStreams(), daemon.BuildOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tasks[0].QemuPath != ".stackfreight/qemu-arm-static-7.0.0" {
		t.Errorf("QemuPath = %q", tasks[0].QemuPath)
	}
}

func TestMergeOptions(t *testing.T) {
	caller := daemon.BuildOptions{
		NoCache:   true,
		BuildArgs: map[string]string{"MODE": "release", "SHARED": "caller"},
	}
	merged := MergeOptions(caller, map[string]string{"SVC": "yes", "SHARED": "service"})

	if !merged.NoCache {
		t.Error("caller top-level option lost")
	}
	want := map[string]string{"MODE": "release", "SVC": "yes", "SHARED": "caller"}
	for k, v := range want {
		if merged.BuildArgs[k] != v {
			t.Errorf("arg %s = %q, want %q", k, merged.BuildArgs[k], v)
		}
	}
}

func TestRun_BuildAndPull(t *testing.T) {
	d := newFakeDaemon()
	d.sizes["mystack_web"] = 42 << 20
	streams := newFakeStreams()

	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "redis", Image: "redis:7-alpine"},
		{ServiceName: "web", Build: &compose.BuildSpec{Context: "./web"}},
	}
	sched := &Scheduler{Daemon: d, Project: "MyStack"}
	tasks, err := sched.Prepare(descriptors, map[string]*BuildInput{"web": contextInput("web-tar")},
		streams, daemon.BuildOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	results, err := sched.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	streams.wait()

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byService := map[string]BuiltImage{}
	for _, r := range results {
		byService[r.Service] = r
	}

	web := byService["web"]
	if !web.Success {
		t.Fatalf("web failed: %v", web.Error)
	}
	if web.Size != 42<<20 {
		t.Errorf("web size = %d", web.Size)
	}
	if !strings.Contains(web.Logs, "Step 2/2 : RUN true") {
		t.Errorf("web logs missing build output:\n%s", web.Logs)
	}
	if web.EndedAt.Before(web.StartedAt) {
		t.Errorf("timestamps out of order: %v .. %v", web.StartedAt, web.EndedAt)
	}

	redis := byService["redis"]
	if !redis.Success || redis.ImageName != "redis:7-alpine" {
		t.Errorf("redis = %+v", redis)
	}
	if len(d.pulled) != 1 || d.pulled[0] != "redis:7-alpine" {
		t.Errorf("pulled = %v", d.pulled)
	}
	if d.contexts["mystack_web"] != "web-tar" {
		t.Errorf("daemon saw context %q", d.contexts["mystack_web"])
	}

	// Step lines arrive as progress events; the tagged line resets to status.
	var sawProgress, sawReset bool
	for _, ev := range streams.events["web"] {
		if ev.Kind == progress.KindProgress {
			sawProgress = true
		}
		if ev.Kind == progress.KindStatus && strings.HasPrefix(ev.Status, "Successfully tagged") {
			sawReset = true
		}
	}
	if !sawProgress || !sawReset {
		t.Errorf("web events = %+v", streams.events["web"])
	}
}

func TestRun_FirstFailureAbortsBatch(t *testing.T) {
	d := newFakeDaemon()
	d.failBuild["mystack_bad"] = "executor failed running"
	streams := newFakeStreams()

	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "bad", Build: &compose.BuildSpec{Context: "."}},
		{ServiceName: "good", Build: &compose.BuildSpec{Context: "."}},
	}
	sched := &Scheduler{Daemon: d, Project: "MyStack"}
	tasks, err := sched.Prepare(descriptors, map[string]*BuildInput{
		"bad":  contextInput("bad-tar"),
		"good": contextInput("good-tar"),
	}, streams, daemon.BuildOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	results, err := sched.Run(context.Background(), tasks)
	streams.wait()
	if err == nil {
		t.Fatal("Run: want error")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Service != "bad" {
		t.Fatalf("err = %v, want ServiceError for bad", err)
	}
	if len(results) != len(tasks) {
		t.Fatalf("results = %d, want one per task even on failure", len(results))
	}
	for _, r := range results {
		if r.Service == "bad" {
			if r.Success || r.Error == nil {
				t.Errorf("bad = %+v, want recorded failure", r)
			}
			if !strings.Contains(r.Logs, "error: executor failed running") {
				t.Errorf("bad logs missing daemon error:\n%s", r.Logs)
			}
		}
	}
}

func TestRun_InspectFailureFailsBuild(t *testing.T) {
	d := newFakeDaemon()
	d.failInspect["mystack_web"] = true
	streams := newFakeStreams()

	descriptors := []*compose.ImageDescriptor{
		{ServiceName: "web", Build: &compose.BuildSpec{Context: "."}},
	}
	sched := &Scheduler{Daemon: d, Project: "MyStack"}
	tasks, err := sched.Prepare(descriptors, map[string]*BuildInput{"web": contextInput("t")},
		streams, daemon.BuildOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	results, err := sched.Run(context.Background(), tasks)
	streams.wait()
	if err == nil {
		t.Fatal("Run: want error when the built image cannot be inspected")
	}
	if results[0].Success {
		t.Errorf("result = %+v, want failure", results[0])
	}
}

func TestDetectProjectType(t *testing.T) {
	cases := []struct {
		marker string
		want   string
	}{
		{"go.mod", "go"},
		{"package.json", "node"},
		{"requirements.txt", "python"},
		{"Cargo.toml", "rust"},
		{"Dockerfile", "dockerfile"},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, tc.marker), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := DetectProjectType(dir); got != tc.want {
			t.Errorf("DetectProjectType(%s) = %q, want %q", tc.marker, got, tc.want)
		}
	}
	if got := DetectProjectType(t.TempDir()); got != "unknown" {
		t.Errorf("empty dir = %q, want unknown", got)
	}
}
