// Package release tags built images into their cloud-assigned registry
// locations, pushes them with retry, and finalizes the release record with
// per-image and overall status.
package release

import (
	"fmt"
	"regexp"
)

// locationRe parses a cloud-assigned image storage location:
// (registry)/(repo)(:tag)?
var locationRe = regexp.MustCompile(`^([^/]+)/(.+?)(?::([^/:]+))?$`)

// Location is a parsed image storage location.
type Location struct {
	Registry string
	Repo     string
	Tag      string
}

// Ref returns the fully qualified image reference.
func (l Location) Ref() string {
	return fmt.Sprintf("%s/%s:%s", l.Registry, l.Repo, l.Tag)
}

// RepoPath returns the repository path used for token scoping.
func (l Location) RepoPath() string {
	return l.Repo
}

// ParseLocation splits an image storage location into registry, repository,
// and tag, defaulting the tag to "latest". An unparseable location is fatal
// for that image.
func ParseLocation(loc string) (Location, error) {
	m := locationRe.FindStringSubmatch(loc)
	if m == nil {
		return Location{}, fmt.Errorf("unparseable image location %q", loc)
	}
	l := Location{Registry: m[1], Repo: m[2], Tag: m[3]}
	if l.Tag == "" {
		l.Tag = "latest"
	}
	return l, nil
}
