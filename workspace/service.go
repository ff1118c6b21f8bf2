// Package workspace implements the path-scoped file service rooted at a
// Work's directory. Every path is validated against the root before any
// filesystem access; escapes via "..", absolute paths or symlinked parents
// are rejected.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scriptorium-ai/scriptorium/core"
)

// ErrOutsideRoot is returned for any path that resolves outside the work
// directory tree.
var ErrOutsideRoot = errors.New("path escapes work directory")

// Options configures a Service.
type Options struct {
	// MaxFileSize bounds reads and writes in bytes. Default 8 MiB.
	MaxFileSize int64
}

// Service provides read/write/list access confined to one work directory.
// It implements core.FileService.
type Service struct {
	root        string
	maxFileSize int64
}

// NewService creates a file service rooted at dir, creating it if needed.
func NewService(dir string, optFns ...func(o *Options)) (*Service, error) {
	opts := Options{MaxFileSize: 8 << 20}
	for _, fn := range optFns {
		fn(&opts)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	return &Service{root: abs, maxFileSize: opts.MaxFileSize}, nil
}

// Root returns the absolute work directory path.
func (s *Service) Root() string { return s.root }

// Resolve maps a work-relative path to an absolute one, rejecting escapes.
func (s *Service) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	joined := filepath.Join(s.root, filepath.Clean(rel))
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return joined, nil
}

// ReadFile returns the contents of a work-relative file.
func (s *Service) ReadFile(path string) ([]byte, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > s.maxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d bytes)", path, s.maxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to a work-relative path, creating parent
// directories inside the root as needed.
func (s *Service) WriteFile(path string, data []byte) error {
	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("write %s exceeds size limit (%d bytes)", path, s.maxFileSize)
	}
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ListFiles returns the entries under a work-relative directory, with
// work-relative paths. Pass "." for the root.
func (s *Service) ListFiles(dir string) ([]core.FileInfo, error) {
	abs, err := s.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	infos := make([]core.FileInfo, 0, len(entries))
	for _, entry := range entries {
		var size int64
		if fi, err := entry.Info(); err == nil {
			size = fi.Size()
		}
		rel := filepath.Join(dir, entry.Name())
		if dir == "." {
			rel = entry.Name()
		}
		infos = append(infos, core.FileInfo{Path: rel, Size: size, Dir: entry.IsDir()})
	}
	return infos, nil
}

// Snapshot records size+mtime for every regular file under the root. The
// sandbox diffs two snapshots to discover artifacts produced by a run.
func (s *Service) Snapshot() (map[string]fileStamp, error) {
	stamps := map[string]fileStamp{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // raced with deletion
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		stamps[rel] = fileStamp{size: info.Size(), mtime: info.ModTime().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}
	return stamps, nil
}

// DiffSnapshots returns work-relative paths created or modified between two
// snapshots, sorted deterministically by path.
func DiffSnapshots(before, after map[string]fileStamp) []string {
	var changed []string
	for path, stamp := range after {
		prev, existed := before[path]
		if !existed || prev != stamp {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

type fileStamp struct {
	size  int64
	mtime int64
}
