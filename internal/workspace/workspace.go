// Package workspace is the file primitive for the published working tree.
// Every path is relative to the root and may not escape it. Git metadata and
// protected paths (the run log, the config file) are never writable.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	ErrEscapesRoot = errors.New("path escapes workspace root")
	ErrProtected   = errors.New("path is protected")
)

type Workspace struct {
	root      string
	fs        afero.Fs
	log       *zap.Logger
	protected []string
}

// New roots a workspace at dir on the OS filesystem.
func New(dir string, log *zap.Logger) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return NewWithFs(abs, afero.NewBasePathFs(afero.NewOsFs(), abs), log), nil
}

// NewWithFs uses fs as-is; root is only reported back to callers.
func NewWithFs(root string, fs afero.Fs, log *zap.Logger) *Workspace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workspace{root: root, fs: fs, log: log}
}

func (w *Workspace) Root() string { return w.root }

// Protect makes name, and everything below it, unwritable. Names outside
// the root are ignored since they are unreachable anyway.
func (w *Workspace) Protect(names ...string) {
	for _, name := range names {
		rel, err := Clean(name)
		if err != nil {
			continue
		}
		w.protected = append(w.protected, strings.ToLower(rel))
	}
}

// Rel returns target relative to the root when it lies inside it.
func (w *Workspace) Rel(target string) (string, bool) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Clean validates name and returns its slash-separated relative form.
func Clean(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrEscapesRoot)
	}
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	rel := filepath.ToSlash(filepath.Clean(local))
	first, _, _ := strings.Cut(rel, "/")
	if strings.EqualFold(first, ".git") {
		return "", fmt.Errorf("%w: %q", ErrProtected, name)
	}
	return rel, nil
}

// writable cleans name and refuses protected paths. Matching ignores case so
// case-insensitive filesystems cannot be used to sidestep it.
func (w *Workspace) writable(name string) (string, error) {
	rel, err := Clean(name)
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(rel)
	for _, p := range w.protected {
		if lower == p || strings.HasPrefix(lower, p+"/") {
			return "", fmt.Errorf("%w: %q", ErrProtected, name)
		}
	}
	return rel, nil
}

// WriteFile creates or replaces name, creating parent directories.
func (w *Workspace) WriteFile(name string, data []byte) error {
	rel, err := w.writable(name)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filepath.FromSlash(rel)); dir != "." {
		if err := w.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(w.fs, filepath.FromSlash(rel), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	w.log.Info("wrote file", zap.String("path", rel), zap.Int("bytes", len(data)))
	return nil
}

func (w *Workspace) ReadFile(name string) ([]byte, error) {
	rel, err := Clean(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(w.fs, filepath.FromSlash(rel))
}

// Exists reports whether name is present. Invalid names never exist.
func (w *Workspace) Exists(name string) bool {
	rel, err := Clean(name)
	if err != nil {
		return false
	}
	_, err = w.fs.Stat(filepath.FromSlash(rel))
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
