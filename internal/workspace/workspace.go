package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path is outside the project root")

const defaultMaxReadBytes = 1 << 20

// Workspace is a read-only view of a project directory. It implements
// interp.Project.
type Workspace struct {
	Path         string
	MaxReadBytes int64
}

// Open returns a workspace rooted at dir. The directory must exist.
func Open(dir string, maxReadBytes int64) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	// Evaluate symlinks so containment checks compare real paths
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("failed to open project: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", real)
	}

	if maxReadBytes <= 0 {
		maxReadBytes = defaultMaxReadBytes
	}

	return &Workspace{Path: real, MaxReadBytes: maxReadBytes}, nil
}

func (w *Workspace) Root() string {
	return w.Path
}

// ReadFile reads a file relative to the root. Files larger than
// MaxReadBytes are rejected rather than partially read.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	path, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", rel)
		}
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	data, err := io.ReadAll(io.LimitReader(f, w.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if int64(len(data)) > w.MaxReadBytes {
		return nil, fmt.Errorf("%s exceeds the %d byte read limit", rel, w.MaxReadBytes)
	}

	return data, nil
}

// ListDir returns the sorted entry names of a directory relative to the
// root. Directories carry a trailing slash.
func (w *Workspace) ListDir(rel string) ([]string, error) {
	path, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", rel)
		}
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// resolve maps a root-relative path to an absolute one, rejecting anything
// that escapes the root, including through symlinks.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	joined := filepath.Join(w.Path, filepath.Clean(rel))
	if !within(w.Path, joined) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			// Let the caller report the missing path
			return joined, nil
		}
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	if !within(w.Path, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	return real, nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
