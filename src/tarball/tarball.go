// Package tarball turns a source directory into a filtered tar stream ready
// for daemon consumption. Ignore-file semantics are supplied by the caller as
// a predicate; entry paths are always POSIX-normalized so archives built on
// any host unpack identically.
package tarball

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// IgnoreKind classifies an ignore file encountered while walking the context.
type IgnoreKind int

const (
	IgnoreNone IgnoreKind = iota
	IgnoreDocker
	IgnoreGit
)

// Options controls context packaging.
type Options struct {
	// Classify identifies ignore files by relative path. Nil means no
	// classification (no ignore-file warnings).
	Classify func(relPath string) IgnoreKind

	// Include is the ignore predicate: entries it rejects are left out of
	// the archive. Nil includes everything.
	Include func(relPath string) bool

	// ConvertEOL rewrites CRLF line endings to LF in file contents. The
	// caller gates this on the host platform.
	ConvertEOL bool

	// PreFinalize runs once against the tar writer before the archive is
	// finalized, allowing injected file policy.
	PreFinalize func(tw *tar.Writer) error

	// OnIgnoreFiles receives the ignore files encountered per kind, for
	// warning output. Called at most once per kind.
	OnIgnoreFiles func(kind IgnoreKind, files []string)
}

// Pack walks dir and streams a filtered archive of its contents.
//
// The walk and every stat happen up front so a broken context fails before
// any bytes are produced; file read errors during streaming abort the archive
// through the pipe. There is no partial fallback.
func Pack(dir string, opts Options) (io.ReadCloser, error) {
	entries, err := collect(dir, opts)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := writeEntries(tw, dir, entries, opts)
		if err == nil && opts.PreFinalize != nil {
			err = opts.PreFinalize(tw)
		}
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

type entry struct {
	rel  string // POSIX relative path
	info fs.FileInfo
}

// collect walks the tree, reports ignore files, and applies the predicate.
func collect(dir string, opts Options) ([]entry, error) {
	var entries []entry
	ignoreFiles := map[IgnoreKind][]string{}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if opts.Classify != nil && !d.IsDir() {
			if kind := opts.Classify(rel); kind != IgnoreNone {
				ignoreFiles[kind] = append(ignoreFiles[kind], rel)
			}
		}
		if opts.Include != nil && !opts.Include(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		entries = append(entries, entry{rel: rel, info: info})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if opts.OnIgnoreFiles != nil {
		kinds := make([]int, 0, len(ignoreFiles))
		for k := range ignoreFiles {
			kinds = append(kinds, int(k))
		}
		sort.Ints(kinds)
		for _, k := range kinds {
			opts.OnIgnoreFiles(IgnoreKind(k), ignoreFiles[IgnoreKind(k)])
		}
	}
	return entries, nil
}

// writeEntries streams each surviving entry into the archive.
func writeEntries(tw *tar.Writer, dir string, entries []entry, opts Options) error {
	for _, e := range entries {
		header, err := tar.FileInfoHeader(e.info, "")
		if err != nil {
			return fmt.Errorf("header for %s: %w", e.rel, err)
		}
		header.Name = e.rel
		if e.info.IsDir() {
			header.Name += "/"
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			continue
		}
		if !e.info.Mode().IsRegular() {
			// Symlinks keep their target; devices and sockets have no
			// place in a build context.
			if e.info.Mode()&fs.ModeSymlink != 0 {
				target, err := os.Readlink(filepath.Join(dir, filepath.FromSlash(e.rel)))
				if err != nil {
					return fmt.Errorf("readlink %s: %w", e.rel, err)
				}
				header.Linkname = target
				if err := tw.WriteHeader(header); err != nil {
					return err
				}
			}
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(e.rel)))
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.rel, err)
		}
		if opts.ConvertEOL {
			data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		}
		header.Size = int64(len(data))
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// ClassifyIgnoreFile is the default ignore-file classifier: ".dockerignore"
// and ".gitignore" basenames anywhere in the tree.
func ClassifyIgnoreFile(relPath string) IgnoreKind {
	switch filepath.Base(relPath) {
	case ".dockerignore":
		return IgnoreDocker
	case ".gitignore":
		return IgnoreGit
	default:
		return IgnoreNone
	}
}
