package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"funnel/internal/config"
	"funnel/internal/errors"
	"funnel/internal/tree"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupProject(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"src/a.js":        "a",
		"src/b.css":       "b",
		"src/lib/c.js":    "c",
		"src/vendor/v.js": "v",
	} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	cfg, err := config.Parse([]byte(`
projections:
  - name: all
    input: src
    output: dist
  - name: scripts
    input: src
    output: dist-js
    dest_dir: js
    include: ["**/*.js"]
    exclude: ["vendor"]
    rename: "replace(path, '.js', '.mjs')"
    checksums: true
`))
	require.NoError(t, err)
	cfg.BaseDir = dir
	return cfg
}

func readLink(t *testing.T, p string) string {
	t.Helper()
	target, err := os.Readlink(p)
	require.NoError(t, err)
	return target
}

func TestPipelineBuild(t *testing.T) {
	cfg := setupProject(t)
	db := setupTestDB(t)

	p, err := NewWithDB(cfg, db, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Empty(t, p.LastBuild())
	buildID, err := p.Build()
	require.NoError(t, err)
	assert.NotEmpty(t, buildID)
	assert.Equal(t, buildID, p.LastBuild())

	src := cfg.Resolve("src")
	assert.Equal(t, src, readLink(t, cfg.Resolve("dist")))
	assert.Equal(t, filepath.Join(src, "a.js"), readLink(t, cfg.Resolve("dist-js/js/a.mjs")))
	assert.Equal(t, filepath.Join(src, "lib", "c.js"), readLink(t, cfg.Resolve("dist-js/js/lib/c.mjs")))
	assert.NoFileExists(t, cfg.Resolve("dist-js/js/vendor/v.mjs"))

	keys, err := p.Store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"scripts"}, keys, "root-linked projections never scan")

	f, err := p.Projection("scripts")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Stats().Create)

	_, err = p.Projection("nope")
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound))
}

func TestPipelinePlan(t *testing.T) {
	cfg := setupProject(t)
	p, err := NewWithDB(cfg, setupTestDB(t), nil)
	require.NoError(t, err)
	defer p.Close()

	plans, err := p.Plan()
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, "all", plans[0].Name)
	assert.True(t, plans[0].LinkedRoots)

	assert.Equal(t, "scripts", plans[1].Name)
	require.NotEmpty(t, plans[1].Patches)
	assert.Equal(t, tree.OpMkdirp, plans[1].Patches[0].Op)
	assert.NoFileExists(t, cfg.Resolve("dist-js/js/a.mjs"), "plan must not apply")

	_, err = p.Build()
	require.NoError(t, err)
	plans, err = p.Plan()
	require.NoError(t, err)
	assert.Empty(t, plans[1].Patches)
}

func TestPipelineResumesFromSnapshot(t *testing.T) {
	cfg := setupProject(t)
	db := setupTestDB(t)

	p, err := NewWithDB(cfg, db, nil)
	require.NoError(t, err)
	_, err = p.Build()
	require.NoError(t, err)
	p.Store.Close()

	// A new process sees only what changed while it was gone.
	require.NoError(t, os.WriteFile(cfg.Resolve("src/d.js"), []byte("d"), 0o644))
	p2, err := NewWithDB(cfg, db, nil)
	require.NoError(t, err)
	defer p2.Close()

	plans, err := p2.Plan()
	require.NoError(t, err)
	var ops []string
	for _, patch := range plans[1].Patches {
		ops = append(ops, string(patch.Op)+" "+patch.Path)
	}
	assert.Equal(t, []string{"mkdirp js", "create js/d.mjs"}, ops)

	_, err = p2.Build()
	require.NoError(t, err)
	assert.FileExists(t, cfg.Resolve("dist-js/js/d.mjs"))
}

func TestPipelineClean(t *testing.T) {
	cfg := setupProject(t)
	p, err := NewWithDB(cfg, setupTestDB(t), nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Build()
	require.NoError(t, err)
	require.NoError(t, p.Clean())

	info, err := os.Lstat(cfg.Resolve("dist"))
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "root link replaced by an empty directory")
	entries, err := os.ReadDir(cfg.Resolve("dist-js"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	keys, err := p.Store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Builds after a clean start from scratch.
	_, err = p.Build()
	require.NoError(t, err)
	assert.FileExists(t, cfg.Resolve("dist-js/js/a.mjs"))
}

func TestPipelineRoots(t *testing.T) {
	cfg := setupProject(t)
	p, err := NewWithDB(cfg, setupTestDB(t), nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{cfg.Resolve("src")}, p.WatchRoots())
	assert.Equal(t, []string{cfg.StatePath(), cfg.Resolve("dist"), cfg.Resolve("dist-js")}, p.IgnoredPaths())
}

func TestFunnelOptions(t *testing.T) {
	tests := []struct {
		name    string
		pc      config.Projection
		wantErr bool
	}{
		{name: "plain", pc: config.Projection{Name: "a"}},
		{name: "patterns", pc: config.Projection{Name: "a", Include: []string{"re:^lib/", "expr:path endsWith '.js'"}}},
		{name: "bad regexp", pc: config.Projection{Name: "a", Include: []string{"re:("}}, wantErr: true},
		{name: "bad glob", pc: config.Projection{Name: "a", Exclude: []string{"[a"}}, wantErr: true},
		{name: "bad rename", pc: config.Projection{Name: "a", Rename: "path +"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := FunnelOptions(tt.pc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a", opts.Annotation)
			assert.Len(t, opts.Include, len(tt.pc.Include))
		})
	}
}

func TestInitDB(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "state", "db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestNewInMemory(t *testing.T) {
	cfg := setupProject(t)
	p, err := NewInMemory(cfg, nil)
	require.NoError(t, err)

	_, err = p.Build()
	require.NoError(t, err)
	assert.FileExists(t, cfg.Resolve("dist-js/js/a.mjs"))
	assert.NoDirExists(t, cfg.StatePath(), "in-memory pipelines write no state")
	require.NoError(t, p.Close())
}
