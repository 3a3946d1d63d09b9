// Package cloud is the release backend: it persists Release and ServiceImage
// records, answers previous-release queries, and grants scoped registry
// tokens. The pipeline consumes the Backend interface; Client implements it
// over the backend's JSON API.
package cloud

import (
	"context"
	"time"
)

// Release statuses. A release always ends in exactly one of these.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ServiceImage is the cloud-side record of one pushed image within a release.
type ServiceImage struct {
	ID           string     `json:"id,omitempty"`
	Service      string     `json:"service_name"`
	Location     string     `json:"image_location,omitempty"`
	Status       string     `json:"status,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Size         int64      `json:"image_size,omitempty"`
	Digest       string     `json:"content_hash,omitempty"`
	Logs         string     `json:"build_log,omitempty"`
	Dockerfile   string     `json:"dockerfile,omitempty"`
	ProjectType  string     `json:"project_type,omitempty"`
	StartedAt    *time.Time `json:"start_timestamp,omitempty"`
	EndedAt      *time.Time `json:"end_timestamp,omitempty"`
}

// Release groups all service images produced by one deploy.
type Release struct {
	ID          string          `json:"id,omitempty"`
	AppID       string          `json:"application,omitempty"`
	Status      string          `json:"status,omitempty"`
	Commit      string          `json:"commit,omitempty"`
	Branch      string          `json:"branch,omitempty"`
	Composition string          `json:"composition,omitempty"`
	EndedAt     *time.Time      `json:"end_timestamp,omitempty"`
	Images      []*ServiceImage `json:"images,omitempty"`
}

// RegistryToken is a short-lived push/pull authorization scoped to a set of
// repository paths. A zero-value token carries no permissions; pushes made
// with it fail per-image instead of aborting the pipeline.
type RegistryToken struct {
	Token string   `json:"token"`
	Repos []string `json:"repos,omitempty"`
}

// Backend is the cloud release API the pipeline drives.
type Backend interface {
	// CreateRelease persists a new release with a composition snapshot and
	// returns it with identities and per-service image storage locations
	// assigned.
	CreateRelease(ctx context.Context, r *Release) (*Release, error)

	// UpdateImage persists one image's final record. Called once per image
	// after its push settles, success or failure.
	UpdateImage(ctx context.Context, img *ServiceImage) error

	// UpdateRelease persists the release's final status and end timestamp.
	UpdateRelease(ctx context.Context, r *Release) error

	// LatestSuccessfulImages returns the image locations of the
	// application's most recent successful release.
	LatestSuccessfulImages(ctx context.Context, appID string) ([]string, error)

	// GrantRegistryToken requests pull/push authorization for the given
	// repository paths.
	GrantRegistryToken(ctx context.Context, repos []string) (*RegistryToken, error)
}
