package qemu

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultBaseURL is the emulator binary distribution root. Release archives
// live at <base>/v<version>/qemu-<variant>-static.tar.gz.
const DefaultBaseURL = "https://github.com/multiarch/qemu-user-static/releases/download"

// Provisioner ensures architecture-specific emulator binaries exist in a
// local cache directory.
type Provisioner struct {
	CacheDir string
	BaseURL  string
	Client   *http.Client
}

// NewProvisioner creates a provisioner caching binaries under cacheDir.
func NewProvisioner(cacheDir string) *Provisioner {
	return &Provisioner{
		CacheDir: cacheDir,
		BaseURL:  DefaultBaseURL,
		Client:   http.DefaultClient,
	}
}

// Ensure returns the path of a cached emulator binary for the target
// architecture, downloading and extracting it on first use. A cached binary
// whose version still satisfies the supported constraint makes this a no-op.
func (p *Provisioner) Ensure(ctx context.Context, arch string) (string, error) {
	variant, err := VariantFor(arch)
	if err != nil {
		return "", err
	}

	if path, ok := p.cached(variant); ok {
		return path, nil
	}

	if err := os.MkdirAll(p.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating binary cache dir: %w", err)
	}

	dest := filepath.Join(p.CacheDir, BinaryName(variant))
	if err := p.download(ctx, variant, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// cached looks for an existing emulator binary for the variant whose embedded
// version satisfies the minimum constraint.
func (p *Provisioner) cached(variant string) (string, bool) {
	constraint, err := semver.NewConstraint(minVersionConstraint)
	if err != nil {
		return "", false
	}
	prefix := fmt.Sprintf("qemu-%s-static-", variant)

	entries, err := os.ReadDir(p.CacheDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		v, err := semver.NewVersion(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || !constraint.Check(v) {
			continue
		}
		return filepath.Join(p.CacheDir, e.Name()), true
	}
	return "", false
}

// download fetches the release archive for a variant and extracts the static
// binary to dest with executable permission. The extract goes through a temp
// file so a partial download never masquerades as a cached binary.
func (p *Provisioner) download(ctx context.Context, variant, dest string) error {
	base := p.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := fmt.Sprintf("%s/v%s/qemu-%s-static.tar.gz", base, DistVersion, variant)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading emulator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading emulator: %s: %d", url, resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("reading emulator archive: %w", err)
	}
	defer gz.Close()

	binName := fmt.Sprintf("qemu-%s-static", variant)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("emulator archive has no %s entry", binName)
		}
		if err != nil {
			return fmt.Errorf("reading emulator archive: %w", err)
		}
		if filepath.Base(header.Name) != binName || header.Typeflag != tar.TypeReg {
			continue
		}

		tmp, err := os.CreateTemp(p.CacheDir, ".qemu-download-*")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("extracting emulator: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		if err := os.Chmod(tmp.Name(), 0o755); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("installing emulator: %w", err)
		}
		return nil
	}
}
