package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Step N/M: <instruction> — emitted once per Dockerfile instruction.
	stepRe = regexp.MustCompile(`^Step (\d+)/(\d+)\s*:\s*.+$`)
	// CSI and bare escape sequences the daemon mixes into build output.
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b[A-Za-z]`)
)

// StripANSI removes terminal escape sequences from a raw daemon line.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// SplitLines breaks a raw daemon chunk into lines, dropping blank ones.
func SplitLines(chunk string) []string {
	var out []string
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ParseBuildLine normalizes one build-log line into an Event.
//
// "Step N/M: <text>" lines become progress events at floor(N*100/M).
// The final "Successfully tagged" line resets progress to unknown so the
// renderer drops the bar once the build is done. Everything else is a plain
// status line.
func ParseBuildLine(line string) Event {
	line = StripANSI(line)
	if m := stepRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			return Progress(line, n*100/total)
		}
		return Status(line)
	}
	return Status(line)
}

// PullMessage is the subset of the daemon's pull-progress JSON shape the
// adapter consumes.
type PullMessage struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	Error          string `json:"error"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

// AdaptPullMessage converts a raw pull-progress message into an Event.
// Layer-level byte counts become a percentage; messages with neither error
// nor status pass through raw.
func AdaptPullMessage(msg PullMessage) Event {
	if msg.Error != "" {
		return Error(msg.Error)
	}
	status := msg.Status
	if msg.ID != "" {
		status = fmt.Sprintf("%s %s", msg.ID, msg.Status)
	}
	if status == "" {
		return Raw(fmt.Sprintf("%+v", msg))
	}
	if msg.ProgressDetail.Total > 0 {
		pct := int(msg.ProgressDetail.Current * 100 / msg.ProgressDetail.Total)
		return Progress(status, pct)
	}
	return Status(status)
}
