package builder

import (
	"os"
	"path/filepath"
)

// projectMarkers maps marker files to a project type, checked in order.
var projectMarkers = []struct {
	file string
	kind string
}{
	{"go.mod", "go"},
	{"package.json", "node"},
	{"requirements.txt", "python"},
	{"pyproject.toml", "python"},
	{"Cargo.toml", "rust"},
	{"pom.xml", "java"},
}

// DetectProjectType inspects a build context directory for well-known
// marker files. Returns "dockerfile" when only a Dockerfile is present and
// "unknown" when nothing matches.
func DetectProjectType(dir string) string {
	for _, m := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.kind
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err == nil {
		return "dockerfile"
	}
	return "unknown"
}
