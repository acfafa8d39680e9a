// Package output is the facade through which the funnel mutates its output
// directory. Paths are slash separated and relative to the output root; ""
// and "/" name the root itself.
package output

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"funnel/internal/tree"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Tree is an output directory on an afero filesystem. Symlink operations need
// the filesystem to implement afero.Linker, afero.LinkReader and
// afero.Lstater; afero.OsFs does.
type Tree struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

func New(fs afero.Fs, root string, logger *zap.Logger) (*Tree, error) {
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tree{
		fs:     fs,
		root:   filepath.Clean(root),
		logger: logger,
	}
	if !t.IsSymlink("") {
		if err := fs.MkdirAll(t.root, 0o755); err != nil {
			return nil, fmt.Errorf("creating output root: %w", err)
		}
	}
	return t, nil
}

func (t *Tree) Root() string {
	return t.root
}

// ResolvePath maps a relative path to its location on disk, refusing paths
// that would land outside the root.
func (t *Tree) ResolvePath(rel string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the output root", rel)
		}
	}
	return t.abs(rel), nil
}

func (t *Tree) abs(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
	if rel == "" {
		return t.root
	}
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

func isRoot(rel string) bool {
	return rel == "" || rel == "/" || rel == "."
}

// Mkdir creates one directory level. The parent must exist; an existing
// directory is accepted.
func (t *Tree) Mkdir(rel string) error {
	abs := t.abs(rel)
	if err := t.fs.Mkdir(abs, 0o755); err != nil {
		if os.IsExist(err) {
			if info, statErr := t.lstat(abs); statErr == nil && info.IsDir() {
				return nil
			}
		}
		return fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return nil
}

func (t *Tree) MkdirAll(rel string) error {
	if err := t.fs.MkdirAll(t.abs(rel), 0o755); err != nil {
		return fmt.Errorf("mkdirp %s: %w", rel, err)
	}
	return nil
}

// Rmdir removes an empty directory.
func (t *Tree) Rmdir(rel string) error {
	abs := t.abs(rel)
	info, err := t.lstat(abs)
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", rel, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("rmdir %s: not a directory", rel)
	}
	if err := t.fs.Remove(abs); err != nil {
		return fmt.Errorf("rmdir %s: %w", rel, err)
	}
	return nil
}

// Unlink removes a file or symlink. A missing path is an error.
func (t *Tree) Unlink(rel string) error {
	abs := t.abs(rel)
	info, err := t.lstat(abs)
	if err != nil {
		return fmt.Errorf("unlink %s: %w", rel, err)
	}
	if info.IsDir() {
		return fmt.Errorf("unlink %s: is a directory", rel)
	}
	if err := t.fs.Remove(abs); err != nil {
		return fmt.Errorf("unlink %s: %w", rel, err)
	}
	return nil
}

// Empty removes everything below rel, keeping rel itself.
func (t *Tree) Empty(rel string) error {
	abs := t.abs(rel)
	children, err := afero.ReadDir(t.fs, abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	for _, c := range children {
		if err := t.fs.RemoveAll(filepath.Join(abs, c.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", path.Join(rel, c.Name()), err)
		}
	}
	return nil
}

// Exists does not follow symlinks, so a dangling link exists.
func (t *Tree) Exists(rel string) bool {
	_, err := t.lstat(t.abs(rel))
	return err == nil
}

func (t *Tree) IsSymlink(rel string) bool {
	info, err := t.lstat(t.abs(rel))
	return err == nil && info.Mode()&fs.ModeSymlink != 0
}

// SymlinkFromEntry creates a link at destPath pointing at srcPath in src.
// When destPath is the root, the root directory itself is replaced by the
// link.
func (t *Tree) SymlinkFromEntry(src tree.LinkSource, srcPath, destPath string) error {
	linker, ok := t.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("filesystem %s does not support symlinks", t.fs.Name())
	}

	target := src.AbsPath(srcPath)
	abs := t.abs(destPath)
	if isRoot(destPath) {
		if err := t.fs.RemoveAll(abs); err != nil {
			return fmt.Errorf("removing output root: %w", err)
		}
	}

	t.logger.Debug("symlink", zap.String("target", target), zap.String("path", abs))
	if err := linker.SymlinkIfPossible(target, abs); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", destPath, target, err)
	}
	return nil
}

// UndoRootSymlink turns a linked root back into an empty directory. It is a
// no-op when the root is not a link.
func (t *Tree) UndoRootSymlink() error {
	if !t.IsSymlink("") {
		return nil
	}
	if err := t.fs.Remove(t.root); err != nil {
		return fmt.Errorf("removing root symlink: %w", err)
	}
	if err := t.fs.MkdirAll(t.root, 0o755); err != nil {
		return fmt.Errorf("recreating output root: %w", err)
	}
	return nil
}

func (t *Tree) Parent() string {
	if !t.IsSymlink("") {
		return ""
	}
	reader, ok := t.fs.(afero.LinkReader)
	if !ok {
		return ""
	}
	target, err := reader.ReadlinkIfPossible(t.root)
	if err != nil {
		t.logger.Warn("Failed to read root symlink", zap.Error(err))
		return ""
	}
	return target
}

// Size counts the entries below the root without following links.
func (t *Tree) Size() int {
	if t.IsSymlink("") {
		return 0
	}
	n := 0
	err := afero.Walk(t.fs, t.root, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != t.root {
			n++
		}
		return nil
	})
	if err != nil {
		t.logger.Warn("Failed to walk output", zap.Error(err))
	}
	return n
}

func (t *Tree) lstat(abs string) (os.FileInfo, error) {
	if l, ok := t.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(abs)
		return info, err
	}
	return t.fs.Stat(abs)
}
