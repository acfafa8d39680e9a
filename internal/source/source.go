// Package source reads an input tree through afero and hands out filtered
// projections of it that know how they changed since they were last asked.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"funnel/internal/tree"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SnapshotStore persists projection snapshots between processes.
type SnapshotStore interface {
	LoadSnapshot(key string) ([]tree.Entry, error)
	SaveSnapshot(key string, entries []tree.Entry) error
}

// Tree is an input tree rooted at an absolute directory.
type Tree struct {
	fs        afero.Fs
	root      string
	checksums *lru.Cache[string, string]
	store     SnapshotStore
	key       string
	logger    *zap.Logger
}

type Option func(*Tree) error

// WithChecksums hashes file content and keeps up to size digests in memory.
// Projections then report content changes even when size and mtime agree.
func WithChecksums(size int) Option {
	return func(t *Tree) error {
		cache, err := lru.New[string, string](size)
		if err != nil {
			return fmt.Errorf("creating checksum cache: %w", err)
		}
		t.checksums = cache
		return nil
	}
}

// WithSnapshotStore persists the snapshot of projections under key.
func WithSnapshotStore(store SnapshotStore, key string) Option {
	return func(t *Tree) error {
		t.store = store
		t.key = key
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) error {
		t.logger = logger
		return nil
	}
}

func New(fs afero.Fs, root string, opts ...Option) (*Tree, error) {
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}

	t := &Tree{
		fs:     fs,
		root:   filepath.Clean(root),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) Root() string {
	return t.root
}

// Filtered returns a projection of the tree. The previous snapshot is loaded
// from the snapshot store when one is attached.
func (t *Tree) Filtered(cfg tree.FilterConfig) tree.Projection {
	p := &Projection{
		tree:    t,
		cwd:     cleanRelative(cfg.Cwd),
		files:   cfg.Files,
		include: cfg.Include,
		exclude: cfg.Exclude,
	}
	for _, l := range cfg.Literals {
		p.literals = append(p.literals, cleanRelative(l))
	}

	if t.store != nil {
		prev, err := t.store.LoadSnapshot(t.key)
		if err != nil {
			t.logger.Warn("Failed to load snapshot, starting from empty state",
				zap.String("key", t.key), zap.Error(err))
		}
		p.prev = prev
	}
	return p
}

// abs maps a slash separated path relative to the tree root to a filesystem
// path.
func (t *Tree) abs(rel string) string {
	if rel == "" || rel == "." {
		return t.root
	}
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// checksum returns the content digest for a file, reusing the cached value
// while size and mtime are unchanged.
func (t *Tree) checksum(rel string, info os.FileInfo) (string, error) {
	if t.checksums == nil || info.IsDir() {
		return "", nil
	}

	key := fmt.Sprintf("%s|%d|%d", rel, info.Size(), info.ModTime().UnixNano())
	if sum, ok := t.checksums.Get(key); ok {
		return sum, nil
	}

	f, err := t.fs.Open(t.abs(rel))
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", rel, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", rel, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	t.checksums.Add(key, sum)
	return sum, nil
}

// cleanRelative normalizes a user supplied relative path: slash separated,
// no leading separator, "" for the root.
func cleanRelative(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	return strings.TrimPrefix(p, "/")
}
