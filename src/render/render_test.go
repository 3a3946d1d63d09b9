package render

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sofmeright/stackfreight/src/progress"
)

func TestInline_EventLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewInline(&buf, []string{"web", "api"})
	r.Start()

	web := r.Stream("web")
	api := r.Stream("api")
	web <- progress.Progress("Step 1/2 : FROM alpine", 50)
	web <- progress.Status("Successfully tagged mystack_web:latest")
	api <- progress.Error("executor failed")
	close(web)
	close(api)
	r.End()

	out := buf.String()
	for _, want := range []string{
		"[web] 50% Step 1/2 : FROM alpine",
		"[web] Successfully tagged mystack_web:latest",
		"[api] error: executor failed",
		"Built 2 services in ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInline_EndIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r := NewInline(&buf, []string{"web"})
	close(r.Stream("web"))
	r.End()
	r.End()

	if got := strings.Count(buf.String(), "Built 1 services"); got != 1 {
		t.Errorf("summary printed %d times, want once:\n%s", got, buf.String())
	}
}

func TestInteractive_FinalFrame(t *testing.T) {
	var buf bytes.Buffer
	r := NewInteractive(&buf, []string{"web", "api"})

	web := r.Stream("web")
	api := r.Stream("api")
	web <- progress.Progress("Step 1/2 : FROM alpine", 50)
	api <- progress.Status("Pulling from library/redis")
	close(web)
	close(api)
	r.End()

	out := buf.String()
	if !strings.Contains(out, "Built 2 services in ") {
		t.Errorf("final headline missing:\n%q", out)
	}
	if !strings.Contains(out, "web") || !strings.Contains(out, "api") {
		t.Errorf("service lines missing:\n%q", out)
	}
}

func TestInteractive_EndIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r := NewInteractive(&buf, []string{"web"})
	close(r.Stream("web"))
	r.End()
	r.End() // second call must not panic or repaint

	if got := strings.Count(buf.String(), "Built 1 services"); got != 1 {
		t.Errorf("final frame painted %d times, want once", got)
	}
}

func TestInteractive_EndDrainsBufferedEvents(t *testing.T) {
	var buf bytes.Buffer
	r := NewInteractive(&buf, []string{"web"})

	ch := r.Stream("web")
	for i := 0; i < 60; i++ {
		ch <- progress.Status(fmt.Sprintf("layer %d extracting", i))
	}
	ch <- progress.Status("Successfully tagged mystack_web:latest")
	close(ch)
	r.End()

	// The last event was still buffered when End ran; the final frame must
	// include it.
	if !strings.Contains(buf.String(), "Successfully tagged mystack_web:latest") {
		t.Errorf("final frame missing the last buffered event:\n%q", buf.String())
	}
}

func TestInteractive_EndReturnsWithUnclosedSink(t *testing.T) {
	r := NewInteractive(&bytes.Buffer{}, []string{"web"})
	r.Stream("web") // never closed, as after an interrupted build

	done := make(chan struct{})
	go func() {
		r.End()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return while a stream stayed open")
	}
}

func TestInteractive_ProgressBar(t *testing.T) {
	r := NewInteractive(&bytes.Buffer{}, []string{"web"})
	r.apply("web", progress.Progress("Step 1/2 : FROM alpine", 50))

	line := r.serviceLine("web")
	if !strings.Contains(line, "[==========          ]") {
		t.Errorf("bar at 50%% = %q", line)
	}
	if !strings.Contains(line, "50%") {
		t.Errorf("percent missing: %q", line)
	}

	// A status event resets progress; the bar gives way to the text.
	r.apply("web", progress.Status("Successfully tagged mystack_web:latest"))
	line = r.serviceLine("web")
	if strings.Contains(line, "[=") {
		t.Errorf("bar still drawn after reset: %q", line)
	}
	if !strings.Contains(line, "Successfully tagged") {
		t.Errorf("status missing: %q", line)
	}
}

func TestInteractive_WaitingBeforeFirstEvent(t *testing.T) {
	r := NewInteractive(&bytes.Buffer{}, []string{"web"})
	if line := r.serviceLine("web"); !strings.Contains(line, "Waiting...") {
		t.Errorf("line = %q", line)
	}
}

func TestInteractive_ErrorTerminal(t *testing.T) {
	r := NewInteractive(&bytes.Buffer{}, []string{"web"})
	r.apply("web", progress.Error("boom"))
	if line := r.serviceLine("web"); !strings.Contains(line, "Error: boom") {
		t.Errorf("line = %q", line)
	}
	// Done is terminal; later events are ignored.
	r.apply("web", progress.Status("late"))
	if line := r.serviceLine("web"); strings.Contains(line, "late") {
		t.Errorf("event applied after terminal state: %q", line)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{2300 * time.Millisecond, "2.3s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abcd" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 10); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// 'é' spans bytes 4-5; a cut at 5 must back off to the rune start.
	if got := truncate("caché-builder", 5); got != "cach" {
		t.Errorf("truncate = %q, want %q", got, "cach")
	}
	if got := truncate("caché-builder", 6); got != "caché" {
		t.Errorf("truncate = %q, want %q", got, "caché")
	}
}
