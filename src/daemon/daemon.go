// Package daemon abstracts the container daemon the pipeline drives: build
// from a tar context, pull, tag, push with progress, and image inspection.
// The Engine type implements it against the Docker Engine HTTP API; the
// scheduler and release pipeline only see the interface.
package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
)

// Message is one JSON progress message from a build, pull, or push stream.
type Message struct {
	Stream         string          `json:"stream,omitempty"`
	Status         string          `json:"status,omitempty"`
	ID             string          `json:"id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Aux            json.RawMessage `json:"aux,omitempty"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail,omitempty"`
}

// BuildOptions are the daemon-side options for one image build.
type BuildOptions struct {
	Tag        string
	Dockerfile string
	BuildArgs  map[string]string
	Labels     map[string]string
	NoCache    bool
	Pull       bool
}

// Info identifies the daemon.
type Info struct {
	Name       string // platform name, e.g. "Docker Engine - Community"
	Arch       string
	APIVersion string
}

// ImageInfo is the subset of image inspection the pipeline consumes.
type ImageInfo struct {
	ID   string
	Size int64
}

// Auth is a registry credential attached to push and pull calls. Either a
// scoped token or a username/password pair.
type Auth struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	RegistryToken string `json:"registrytoken,omitempty"`
	ServerAddress string `json:"serveraddress,omitempty"`
}

// Encode serializes the credential into the X-Registry-Auth header value.
func (a Auth) Encode() string {
	data, _ := json.Marshal(a)
	return base64.URLEncoding.EncodeToString(data)
}

// Daemon is the container daemon capability consumed by the build scheduler
// and the release pipeline.
type Daemon interface {
	// Ping identifies the daemon and verifies connectivity.
	Ping(ctx context.Context) (Info, error)

	// Build runs one image build from a tar context stream, forwarding each
	// progress message to onMessage. A message with a non-empty Error field
	// fails the build.
	Build(ctx context.Context, opts BuildOptions, buildContext io.Reader, onMessage func(Message)) error

	// Pull fetches a pre-built image, forwarding pull progress.
	Pull(ctx context.Context, ref string, auth Auth, onMessage func(Message)) error

	// Inspect returns image metadata for a local reference.
	Inspect(ctx context.Context, ref string) (ImageInfo, error)

	// Tag adds a new reference to a local image.
	Tag(ctx context.Context, source, target string) error

	// RemoveTag deletes a local reference without touching other tags.
	RemoveTag(ctx context.Context, ref string) error

	// Push uploads a tagged image, forwarding progress, and returns the
	// content digest reported by the registry.
	Push(ctx context.Context, ref string, auth Auth, onMessage func(Message)) (string, error)
}
