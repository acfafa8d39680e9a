package source

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"funnel/internal/pattern"
	"funnel/internal/tree"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
}

func matchers(t *testing.T, vs ...any) []tree.Matcher {
	t.Helper()
	ps, err := pattern.CompileAll(vs...)
	require.NoError(t, err)
	out := make([]tree.Matcher, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}

func patchStrings(patches []tree.Patch) []string {
	out := make([]string, 0, len(patches))
	for _, p := range patches {
		out = append(out, string(p.Op)+" "+p.Path)
	}
	return out
}

// memStore is an in-memory SnapshotStore.
type memStore struct {
	snapshots map[string][]tree.Entry
}

func (m *memStore) LoadSnapshot(key string) ([]tree.Entry, error) {
	return m.snapshots[key], nil
}

func (m *memStore) SaveSnapshot(key string, entries []tree.Entry) error {
	m.snapshots[key] = entries
	return nil
}

func newTree(t *testing.T, opts ...Option) (afero.Fs, *Tree) {
	t.Helper()
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/in/a.js":           "a",
		"/in/b.txt":          "b",
		"/in/lib/c.js":       "c",
		"/in/lib/deep/d.css": "d",
		"/in/vendor/v.js":    "v",
	})
	tr, err := New(fs, "/in", opts...)
	require.NoError(t, err)
	return fs, tr
}

func TestProjectionChanges(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) tree.FilterConfig
		want []string
	}{
		{
			name: "whole tree",
			cfg:  func(t *testing.T) tree.FilterConfig { return tree.FilterConfig{} },
			want: []string{
				"create a.js", "create b.txt", "mkdir lib", "create lib/c.js",
				"mkdir lib/deep", "create lib/deep/d.css", "mkdir vendor", "create vendor/v.js",
			},
		},
		{
			name: "include top level js only",
			cfg: func(t *testing.T) tree.FilterConfig {
				return tree.FilterConfig{Include: matchers(t, "*.js")}
			},
			want: []string{"create a.js"},
		},
		{
			name: "include all js, exclude vendor directory",
			cfg: func(t *testing.T) tree.FilterConfig {
				return tree.FilterConfig{Include: matchers(t, "**/*.js"), Exclude: matchers(t, "vendor")}
			},
			want: []string{"create a.js", "mkdir lib", "create lib/c.js"},
		},
		{
			name: "cwd scopes the projection",
			cfg:  func(t *testing.T) tree.FilterConfig { return tree.FilterConfig{Cwd: "lib"} },
			want: []string{"create c.js", "mkdir deep", "create deep/d.css"},
		},
		{
			name: "explicit files",
			cfg: func(t *testing.T) tree.FilterConfig {
				return tree.FilterConfig{Files: []string{"lib/deep/d.css", "missing.js"}}
			},
			want: []string{"mkdir lib", "mkdir lib/deep", "create lib/deep/d.css"},
		},
		{
			name: "matched walk over literal includes",
			cfg: func(t *testing.T) tree.FilterConfig {
				return tree.FilterConfig{
					Include:  matchers(t, "b.txt", "lib/deep"),
					Literals: []string{"b.txt", "lib/deep"},
				}
			},
			want: []string{"create b.txt", "mkdir lib", "mkdir lib/deep", "create lib/deep/d.css"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tr := newTree(t)
			p := tr.Filtered(tt.cfg(t))

			patches, err := p.Changes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, patchStrings(patches))

			again, err := p.Changes()
			require.NoError(t, err)
			assert.Empty(t, again, "second pass without input change must be empty")
		})
	}
}

func TestProjectionIncremental(t *testing.T) {
	fs, tr := newTree(t)
	p := tr.Filtered(tree.FilterConfig{Include: matchers(t, "**/*.js")})

	_, err := p.Changes()
	require.NoError(t, err)
	assert.Equal(t, 5, p.Size())

	require.NoError(t, fs.Remove("/in/lib/c.js"))
	writeFiles(t, fs, map[string]string{"/in/e.js": "e"})
	later := time.Now().Add(time.Hour)
	require.NoError(t, fs.Chtimes("/in/a.js", later, later))

	pending, err := p.Pending()
	require.NoError(t, err)
	patches, err := p.Changes()
	require.NoError(t, err)
	assert.Equal(t, pending, patches)
	assert.Equal(t, []string{"unlink lib/c.js", "rmdir lib", "change a.js", "create e.js"}, patchStrings(patches))
}

func TestProjectionMissingRoot(t *testing.T) {
	_, tr := newTree(t)
	p := tr.Filtered(tree.FilterConfig{Cwd: "nope"})

	assert.False(t, p.Exists(""))
	patches, err := p.Changes()
	require.NoError(t, err)
	assert.Empty(t, patches)
}

func TestProjectionMatcherError(t *testing.T) {
	_, tr := newTree(t)
	fail := true
	p := tr.Filtered(tree.FilterConfig{Include: matchers(t, func(rel string) (bool, error) {
		if fail && rel == "b.txt" {
			return false, fmt.Errorf("cannot evaluate")
		}
		return rel == "a.js" || rel == "b.txt", nil
	})})

	_, err := p.Changes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matching b.txt")
	assert.Zero(t, p.Size(), "a failed scan commits nothing")

	fail = false
	patches, err := p.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"create a.js", "create b.txt"}, patchStrings(patches))
}

func TestProjectionPendingCommit(t *testing.T) {
	_, tr := newTree(t)
	p := tr.Filtered(tree.FilterConfig{Include: matchers(t, "*.js")})

	pending, err := p.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"create a.js"}, patchStrings(pending))
	assert.Zero(t, p.Size())

	require.NoError(t, p.Commit())
	assert.Equal(t, 1, p.Size())
	require.NoError(t, p.Commit(), "committing twice is a no-op")

	again, err := p.Pending()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestProjectionSymlinkedRoot(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "realDir")
	require.NoError(t, os.MkdirAll(filepath.Join(realDir, "lib"), 0o755))
	for _, name := range []string{"a.js", "b.txt", "lib/c.js"} {
		require.NoError(t, os.WriteFile(filepath.Join(realDir, filepath.FromSlash(name)), []byte(name), 0o644))
	}
	require.NoError(t, os.Symlink(realDir, filepath.Join(dir, "linked")))
	require.NoError(t, os.Symlink(filepath.Join(realDir, "lib"), filepath.Join(realDir, "lib-link")))

	tests := []struct {
		name string
		root string
		cfg  tree.FilterConfig
		want []string
	}{
		{
			name: "linked input root",
			root: filepath.Join(dir, "linked"),
			cfg:  tree.FilterConfig{Include: matchers(t, "*.js")},
			want: []string{"create a.js"},
		},
		{
			name: "linked cwd",
			root: realDir,
			cfg:  tree.FilterConfig{Cwd: "lib-link"},
			want: []string{"create c.js"},
		},
		{
			name: "linked cwd under a linked root",
			root: filepath.Join(dir, "linked"),
			cfg:  tree.FilterConfig{Cwd: "lib-link", Include: matchers(t, "**/*.js")},
			want: []string{"create c.js"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(afero.NewOsFs(), tt.root)
			require.NoError(t, err)

			patches, err := tr.Filtered(tt.cfg).Changes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, patchStrings(patches))
		})
	}
}

func TestProjectionPaths(t *testing.T) {
	_, tr := newTree(t)
	p := tr.Filtered(tree.FilterConfig{Cwd: "/lib/"})

	assert.Equal(t, "/in/lib", p.Root())
	assert.Equal(t, "/in/lib/deep/d.css", p.AbsPath("deep/d.css"))
	assert.True(t, p.Exists("c.js"))
	assert.False(t, p.Exists("a.js"))
}

func TestProjectionDynamicFiles(t *testing.T) {
	_, tr := newTree(t)
	p := tr.Filtered(tree.FilterConfig{Files: []string{"a.js"}})

	patches, err := p.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"create a.js"}, patchStrings(patches))

	p.SetFiles([]string{"b.txt"})
	patches, err = p.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"unlink a.js", "create b.txt"}, patchStrings(patches))
}

func TestProjectionChecksums(t *testing.T) {
	fs, tr := newTree(t, WithChecksums(16))
	p := tr.Filtered(tree.FilterConfig{Files: []string{"a.js"}})

	patches, err := p.Changes()
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Len(t, patches[0].Entry.Checksum, 64)

	// Touching without modifying is not a change.
	later := time.Now().Add(time.Hour)
	require.NoError(t, fs.Chtimes("/in/a.js", later, later))
	patches, err = p.Changes()
	require.NoError(t, err)
	assert.Empty(t, patches)

	writeFiles(t, fs, map[string]string{"/in/a.js": "z"})
	evenLater := later.Add(time.Hour)
	require.NoError(t, fs.Chtimes("/in/a.js", evenLater, evenLater))
	patches, err = p.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"change a.js"}, patchStrings(patches))
}

func TestProjectionSnapshotStore(t *testing.T) {
	store := &memStore{snapshots: map[string][]tree.Entry{}}
	fs, tr := newTree(t, WithSnapshotStore(store, "scripts"))

	p := tr.Filtered(tree.FilterConfig{Include: matchers(t, "*.js")})
	_, err := p.Changes()
	require.NoError(t, err)
	require.Len(t, store.snapshots["scripts"], 1)

	// A fresh projection resumes from the stored snapshot.
	writeFiles(t, fs, map[string]string{"/in/f.js": "f"})
	tr2, err := New(fs, "/in", WithSnapshotStore(store, "scripts"))
	require.NoError(t, err)
	p2 := tr2.Filtered(tree.FilterConfig{Include: matchers(t, "*.js")})
	assert.Equal(t, 1, p2.Size())

	patches, err := p2.Changes()
	require.NoError(t, err)
	assert.Equal(t, []string{"create f.js"}, patchStrings(patches))
}

func TestNewValidation(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), "")
	assert.Error(t, err)
	_, err = New(nil, "/in")
	assert.Error(t, err)
}
