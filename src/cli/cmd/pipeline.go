package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sofmeright/stackfreight/src/builder"
	"github.com/sofmeright/stackfreight/src/compose"
	"github.com/sofmeright/stackfreight/src/config"
	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/qemu"
	"github.com/sofmeright/stackfreight/src/render"
	"github.com/sofmeright/stackfreight/src/tarball"
)

// daemonReadyTimeout bounds how long the pipeline waits for a daemon that is
// still starting up.
const daemonReadyTimeout = 10 * time.Second

// buildRun is the shared build stage behind the build and deploy commands:
// it loads the composition, packages contexts, provisions emulation when the
// target architecture needs it, and drives the scheduler under a live
// renderer.
func buildRun(ctx context.Context, cfg *config.Config, settings *config.Settings, inline bool) (*compose.Composition, []builder.BuiltImage, error) {
	comp, err := compose.Load(cfg.Composition)
	if err != nil {
		return nil, nil, err
	}

	engine := daemon.NewEngine(settings.DaemonSocket)
	info, err := engine.WaitReady(ctx, daemonReadyTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "daemon: %s (%s, API %s)\n", info.Name, info.Arch, info.APIVersion)
	}

	sched := &builder.Scheduler{
		Daemon:  engine,
		Project: comp.Name,
		Inline:  inline,
	}

	if cfg.Arch != "" {
		needed, err := qemu.Required(info.Name, cfg.Arch)
		if err != nil {
			return nil, nil, err
		}
		if needed {
			prov := qemu.NewProvisioner(settings.BinaryCacheDir)
			if settings.EmulatorBaseURL != "" {
				prov.BaseURL = settings.EmulatorBaseURL
			}
			binPath, err := prov.Ensure(ctx, cfg.Arch)
			if err != nil {
				return nil, nil, fmt.Errorf("provisioning emulator: %w", err)
			}
			sched.NeedsQemu = true
			sched.EmulatorPath = binPath
		}
	}

	contexts, err := packContexts(comp, cfg)
	if err != nil {
		return nil, nil, err
	}

	var renderer render.Renderer
	services := make([]string, 0, len(comp.Services))
	for _, d := range comp.Services {
		services = append(services, d.ServiceName)
	}
	if !inline && render.IsTerminal(os.Stdout) {
		renderer = render.NewInteractive(os.Stdout, services)
	} else {
		renderer = render.NewInline(os.Stdout, services)
		sched.Inline = true
	}

	renderer.Start()
	defer renderer.End()

	tasks, err := sched.Prepare(comp.Services, contexts, renderer, daemon.BuildOptions{
		BuildArgs: cfg.Build.BuildArgs,
		NoCache:   cfg.Build.NoCache,
		Pull:      cfg.Build.Pull,
	})
	if err != nil {
		return nil, nil, err
	}

	images, err := sched.Run(ctx, tasks)
	if err != nil {
		return comp, images, err
	}
	return comp, images, nil
}

// packContexts packages one filtered tar stream per local-build service.
func packContexts(comp *compose.Composition, cfg *config.Config) (map[string]*builder.BuildInput, error) {
	contexts := make(map[string]*builder.BuildInput)
	for _, d := range comp.Services {
		if d.External() {
			continue
		}
		dir := d.Build.Context
		if dir == "" {
			dir = "."
		}

		stream, err := tarball.Pack(dir, tarball.Options{
			Classify:   tarball.ClassifyIgnoreFile,
			Include:    defaultInclude,
			ConvertEOL: cfg.Build.ConvertEOL && runtime.GOOS == "windows",
			OnIgnoreFiles: func(kind tarball.IgnoreKind, files []string) {
				if kind == tarball.IgnoreGit {
					fmt.Fprintf(os.Stderr, "warning: %s: .gitignore files are not honored as build filters: %s\n",
						d.ServiceName, strings.Join(files, ", "))
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("packaging %s: %w", d.ServiceName, err)
		}

		dockerfile := d.Build.Dockerfile
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}
		contexts[d.ServiceName] = &builder.BuildInput{
			Stream:      stream,
			Dockerfile:  dockerfile,
			ProjectType: builder.DetectProjectType(dir),
		}
	}
	return contexts, nil
}

// defaultInclude drops VCS internals from build contexts.
func defaultInclude(relPath string) bool {
	return relPath != ".git" && !strings.HasPrefix(relPath, ".git/")
}

// summarize prints one line per built image.
func summarize(images []builder.BuiltImage) {
	for _, img := range images {
		status := "success"
		if !img.Success {
			status = "failed"
		}
		size := ""
		if img.Size > 0 {
			size = fmt.Sprintf("  %s", formatSize(img.Size))
		}
		fmt.Printf("  %-16s %-10s %s%s\n", img.Service, status, img.ImageName, size)
	}
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
