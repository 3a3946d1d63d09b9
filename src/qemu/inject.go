package qemu

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// contextSubdir is the hidden directory emulator binaries occupy inside a
// build context.
const contextSubdir = ".stackfreight"

// ContextPath returns the context-relative POSIX path an emulator binary
// occupies once injected into a build context.
func ContextPath(binPath string) string {
	return path.Join(contextSubdir, filepath.Base(binPath))
}

// CopyIntoContext copies the emulator binary into a build context under the
// hidden subdirectory and returns its context-relative POSIX path. Re-copying
// over an existing binary is a no-op.
func CopyIntoContext(binPath, contextDir string) (string, error) {
	rel := path.Join(contextSubdir, filepath.Base(binPath))
	dest := filepath.Join(contextDir, contextSubdir, filepath.Base(binPath))

	if _, err := os.Stat(dest); err == nil {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}

	data, err := os.ReadFile(binPath)
	if err != nil {
		return "", fmt.Errorf("reading emulator binary: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return "", fmt.Errorf("copying emulator into context: %w", err)
	}
	return rel, nil
}

// TransformStream rewrites an outgoing build archive so the daemon receives
// the emulator binary and a Dockerfile patched to invoke it. Entries other
// than the Dockerfile pass through untouched; the binary is appended as a new
// entry under the hidden subdirectory.
func TransformStream(in io.Reader, binPath string) io.ReadCloser {
	binName := path.Join(contextSubdir, filepath.Base(binPath))
	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		err := rewriteArchive(tar.NewReader(in), tw, binName)
		if err == nil {
			err = appendBinary(tw, binPath, binName)
		}
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

func rewriteArchive(tr *tar.Reader, tw *tar.Writer, binName string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading build archive: %w", err)
		}

		if isDockerfile(header.Name) && header.Typeflag == tar.TypeReg {
			content, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading %s: %w", header.Name, err)
			}
			patched := TransposeDockerfile(content, binName)
			header.Size = int64(len(patched))
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if _, err := tw.Write(patched); err != nil {
				return err
			}
			continue
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if header.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
}

func appendBinary(tw *tar.Writer, binPath, binName string) error {
	info, err := os.Stat(binPath)
	if err != nil {
		return fmt.Errorf("stat emulator binary: %w", err)
	}
	f, err := os.Open(binPath)
	if err != nil {
		return fmt.Errorf("opening emulator binary: %w", err)
	}
	defer f.Close()

	header := &tar.Header{
		Name:    binName,
		Mode:    0o755,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// isDockerfile matches the archive entries whose instructions get patched.
func isDockerfile(name string) bool {
	base := path.Base(name)
	return base == "Dockerfile" || strings.HasSuffix(base, ".dockerfile")
}

// TransposeDockerfile patches Dockerfile instructions to route execution
// through the emulator: every FROM gains a COPY of the binary into the image,
// and shell-form RUN lines are rewritten to exec-form invocations of the
// emulator. Exec-form RUN lines and all other instructions pass through.
func TransposeDockerfile(content []byte, binName string) []byte {
	emulatorDest := "/tmp/" + path.Base(binName)
	var out bytes.Buffer

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		switch {
		case strings.HasPrefix(upper, "FROM "):
			out.WriteString(line)
			out.WriteByte('\n')
			fmt.Fprintf(&out, "COPY [%q, %q]\n", binName, emulatorDest)
		case strings.HasPrefix(upper, "RUN ") && !strings.HasPrefix(strings.TrimSpace(trimmed[4:]), "["):
			cmd := strings.TrimSpace(trimmed[4:])
			fmt.Fprintf(&out, "RUN [%q, %q, %q, %q]\n", emulatorDest, "/bin/sh", "-c", cmd)
		default:
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}
