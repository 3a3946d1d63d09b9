package release

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sofmeright/stackfreight/src/builder"
	"github.com/sofmeright/stackfreight/src/cloud"
	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/output"
)

// Push retry policy.
const (
	pushAttempts     = 3
	pushInitialDelay = 2000 * time.Millisecond
	pushBackoff      = 1.4
)

// Pipeline drives the release sequence: create the release record, tag each
// built image into its assigned registry location, authorize push scope, push
// with retry, persist per-image records, and finalize the release.
type Pipeline struct {
	Daemon  daemon.Daemon
	Backend cloud.Backend
	Out     io.Writer

	// SkipLogUpload omits build logs from the persisted image records.
	SkipLogUpload bool

	// Retry knobs; zero values take the package defaults. Tests shrink them.
	Attempts     int
	InitialDelay time.Duration
	Backoff      float64

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

// New creates a pipeline with default retry policy, logging stage progress
// to out.
func New(d daemon.Daemon, b cloud.Backend, out io.Writer) *Pipeline {
	return &Pipeline{Daemon: d, Backend: b, Out: out}
}

// Input is everything the deploy stage needs from earlier stages.
type Input struct {
	AppID    string
	Snapshot string            // composition snapshot stored on the release
	Source   *cloud.SourceInfo // optional VCS metadata
	Images   []builder.BuiltImage
}

// Deploy runs the full release sequence. The release record, once created,
// is always persisted with a definitive status: a fatal error in the
// tag/push stage short-circuits to failed but still reaches finalization.
func (p *Pipeline) Deploy(ctx context.Context, in Input) (rel *cloud.Release, err error) {
	spin := output.NewSpinner(p.Out, "Creating release...")
	rel, err = p.createRelease(ctx, in)
	spin.Stop(err == nil)
	if err != nil {
		return nil, err
	}

	// Finalize on every exit path. Success requires the stage to complete
	// and every image push to have succeeded.
	defer func() {
		p.finalize(ctx, rel, err)
	}()

	spin = output.NewSpinner(p.Out, "Tagging images...")
	tagged, err := p.tagImages(ctx, rel, in.Images)
	spin.Stop(err == nil)
	// Local tag references are a shared resource; remove every tag that was
	// actually created, even when the stage failed midway.
	defer p.untagAll(ctx, tagged)
	if err != nil {
		return rel, err
	}

	auth := p.authorize(ctx, in.AppID, tagged)

	spin = output.NewSpinner(p.Out, fmt.Sprintf("Pushing %d images...", len(tagged)))
	failures := p.pushAll(ctx, rel, tagged, auth, in.Images)
	spin.Stop(failures == 0)
	if failures > 0 {
		fmt.Fprintf(p.Out, "%d of %d image pushes failed\n", failures, len(tagged))
	}
	return rel, nil
}

// createRelease persists the initial release record with the composition
// snapshot and one image entry per service.
func (p *Pipeline) createRelease(ctx context.Context, in Input) (*cloud.Release, error) {
	rel := &cloud.Release{
		AppID:       in.AppID,
		Composition: in.Snapshot,
	}
	if in.Source != nil {
		rel.Commit = in.Source.Commit
		rel.Branch = in.Source.Branch
	}
	for _, img := range in.Images {
		rel.Images = append(rel.Images, &cloud.ServiceImage{Service: img.Service})
	}
	return p.Backend.CreateRelease(ctx, rel)
}

// taggedImage pairs a built image with its parsed registry location.
type taggedImage struct {
	record   *cloud.ServiceImage
	built    builder.BuiltImage
	location Location
}

// tagImages tags each built image into its cloud-assigned location. An
// unparseable location or failed tag is fatal for the whole stage; the
// entries tagged before the failure are still returned so the caller can
// remove them.
func (p *Pipeline) tagImages(ctx context.Context, rel *cloud.Release, images []builder.BuiltImage) ([]taggedImage, error) {
	records := make(map[string]*cloud.ServiceImage, len(rel.Images))
	for _, si := range rel.Images {
		records[si.Service] = si
	}

	var tagged []taggedImage
	for _, img := range images {
		record := records[img.Service]
		if record == nil {
			return tagged, fmt.Errorf("release has no image record for service %q", img.Service)
		}
		loc, err := ParseLocation(record.Location)
		if err != nil {
			return tagged, fmt.Errorf("service %s: %w", img.Service, err)
		}
		if err := p.Daemon.Tag(ctx, img.ImageName, loc.Ref()); err != nil {
			return tagged, fmt.Errorf("tagging %s: %w", img.Service, err)
		}
		tagged = append(tagged, taggedImage{record: record, built: img, location: loc})
	}
	return tagged, nil
}

// authorize widens the push scope with the repositories of the application's
// most recent successful release (keeping those registry cache entries warm)
// and requests a scoped token. Both lookups degrade rather than abort:
// a failed query shrinks the scope, a failed grant yields an empty token and
// surfaces later as per-image push failures.
func (p *Pipeline) authorize(ctx context.Context, appID string, tagged []taggedImage) daemon.Auth {
	repos := make([]string, 0, len(tagged))
	for _, t := range tagged {
		repos = append(repos, t.location.RepoPath())
	}

	previous, err := p.Backend.LatestSuccessfulImages(ctx, appID)
	if err != nil {
		fmt.Fprintf(p.Out, "warning: could not query previous release images: %v\n", err)
	}
	for _, loc := range previous {
		if prev, err := ParseLocation(loc); err == nil {
			repos = append(repos, prev.RepoPath())
		}
	}

	token, err := p.Backend.GrantRegistryToken(ctx, dedupe(repos))
	if err != nil {
		fmt.Fprintf(p.Out, "warning: registry authorization failed: %v\n", err)
		token = &cloud.RegistryToken{}
	}
	return daemon.Auth{RegistryToken: token.Token}
}

// pushAll pushes every tagged image, isolating failures per image, and
// persists each image's final record immediately after its push settles.
// Returns the number of failed pushes.
func (p *Pipeline) pushAll(ctx context.Context, rel *cloud.Release, tagged []taggedImage, auth daemon.Auth, images []builder.BuiltImage) int {
	failures := 0
	for _, t := range tagged {
		digest, err := p.pushWithRetry(ctx, t.location.Ref(), auth)

		start, end := t.built.StartedAt, t.built.EndedAt
		t.record.StartedAt = &start
		t.record.EndedAt = &end
		t.record.Dockerfile = t.built.Dockerfile
		t.record.ProjectType = t.built.ProjectType

		if err != nil {
			failures++
			t.record.Status = cloud.StatusFailed
			t.record.ErrorMessage = err.Error()
		} else {
			t.record.Status = cloud.StatusSuccess
			t.record.Size = t.built.Size
			t.record.Digest = digest
			if !p.SkipLogUpload {
				t.record.Logs = t.built.Logs
			}
		}

		if uerr := p.Backend.UpdateImage(ctx, t.record); uerr != nil {
			fmt.Fprintf(p.Out, "warning: persisting image record for %s: %v\n", t.record.Service, uerr)
		}
	}
	return failures
}

// pushWithRetry pushes one image reference with bounded retries and
// multiplicative backoff between attempts.
func (p *Pipeline) pushWithRetry(ctx context.Context, ref string, auth daemon.Auth) (string, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = pushAttempts
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = pushInitialDelay
	}
	factor := p.Backoff
	if factor <= 0 {
		factor = pushBackoff
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			sleep(delay)
			delay = time.Duration(float64(delay) * factor)
		}
		digest, err := p.Daemon.Push(ctx, ref, auth, nil)
		if err == nil {
			return digest, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("pushing %s: %w", ref, lastErr)
}

// untagAll removes the local tag references created during tagging.
// Best-effort cleanup: failures are logged, never fatal.
func (p *Pipeline) untagAll(ctx context.Context, tagged []taggedImage) {
	for _, t := range tagged {
		if err := p.Daemon.RemoveTag(ctx, t.location.Ref()); err != nil {
			fmt.Fprintf(p.Out, "warning: removing local tag %s: %v\n", t.location.Ref(), err)
		}
	}
}

// finalize persists the release's definitive status and end timestamp. The
// release is successful only when the stage completed without error and
// every image push succeeded.
func (p *Pipeline) finalize(ctx context.Context, rel *cloud.Release, stageErr error) {
	if rel == nil {
		return
	}
	status := cloud.StatusSuccess
	if stageErr != nil {
		status = cloud.StatusFailed
	}
	for _, si := range rel.Images {
		if si.Status != cloud.StatusSuccess {
			status = cloud.StatusFailed
			break
		}
	}
	rel.Status = status
	now := time.Now()
	rel.EndedAt = &now

	if rel.ID == "" {
		return
	}
	if err := p.Backend.UpdateRelease(ctx, rel); err != nil {
		fmt.Fprintf(p.Out, "warning: persisting release record: %v\n", err)
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
