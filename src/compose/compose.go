// Package compose holds the normalized multi-service composition model the
// build pipeline consumes. Composition-file discovery and normalization happen
// upstream; this package only loads an already-normalized document and exposes
// one ImageDescriptor per service.
package compose

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildSpec describes how to build one service's image.
type BuildSpec struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Args       map[string]string `yaml:"args"`
	Tag        string            `yaml:"tag"`
}

// ImageDescriptor is one service's build/image specification. Either Image
// (a pre-built reference) or Build is set, never both.
type ImageDescriptor struct {
	ServiceName string
	Image       string
	Build       *BuildSpec
}

// External reports whether the service uses a pre-built image reference.
func (d *ImageDescriptor) External() bool {
	return d.Build == nil
}

// Composition is a normalized multi-service application definition.
type Composition struct {
	Name     string
	Services []*ImageDescriptor
}

// DefaultTag computes the tag assigned to a service image when the
// composition does not name one: "<project>_<service>", lower-cased.
func DefaultTag(project, service string) string {
	return strings.ToLower(project + "_" + service)
}

// wire shapes for the normalized YAML document.
type serviceDoc struct {
	Image string     `yaml:"image"`
	Build *BuildSpec `yaml:"build"`
}

type compositionDoc struct {
	Name     string                `yaml:"name"`
	Services map[string]serviceDoc `yaml:"services"`
}

// Load reads a normalized composition document from a YAML file.
// Services are returned in name order so task creation is deterministic.
func Load(path string) (*Composition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading composition: %w", err)
	}
	return Parse(data)
}

// Parse decodes a normalized composition document.
func Parse(data []byte) (*Composition, error) {
	var doc compositionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding composition: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("composition has no project name")
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("composition %q has no services", doc.Name)
	}

	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	comp := &Composition{Name: doc.Name}
	for _, name := range names {
		svc := doc.Services[name]
		if svc.Image != "" && svc.Build != nil {
			return nil, fmt.Errorf("service %q: image and build are mutually exclusive", name)
		}
		if svc.Image == "" && svc.Build == nil {
			return nil, fmt.Errorf("service %q: needs image or build", name)
		}
		comp.Services = append(comp.Services, &ImageDescriptor{
			ServiceName: name,
			Image:       svc.Image,
			Build:       svc.Build,
		})
	}
	return comp, nil
}
