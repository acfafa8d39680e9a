package config

import (
	"path/filepath"
	"testing"
	"time"

	"funnel/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
watch:
  debounce: 1s
  metrics_addr: ":9090"
projections:
  - name: scripts
    input: src
    output: dist
    dest_dir: js
    include: ["**/*.js"]
    rename: "replace(path, '.js', '.mjs')"
  - name: explicit
    input: src
    output: out
    files: []
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
	assert.Equal(t, ":9090", cfg.Watch.MetricsAddr)
	require.Len(t, cfg.Projections, 2)

	p := cfg.Projections[0]
	assert.Equal(t, "js", p.DestDir)
	assert.Equal(t, []string{"**/*.js"}, p.Include)
	assert.Nil(t, p.Files)

	assert.NotNil(t, cfg.Projections[1].Files, "an explicit empty files list is kept")
	assert.Empty(t, cfg.Projections[1].Files)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no projections", "log_level: info\n"},
		{"unknown key", "projections:\n  - name: a\n    input: i\n    output: o\n    colour: red\n"},
		{"missing name", "projections:\n  - input: i\n    output: o\n"},
		{"duplicate name", "projections:\n  - {name: a, input: i, output: o}\n  - {name: a, input: i, output: o}\n"},
		{"missing output", "projections:\n  - {name: a, input: i}\n"},
		{"files with include", "projections:\n  - {name: a, input: i, output: o, files: [x], include: [y]}\n"},
		{"malformed", "projections: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrorTypeConfiguration))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "funnel.yaml")

	_, err := Load(path)
	assert.True(t, errors.Is(err, errors.ErrorTypeNotFound))

	require.NoError(t, WriteSample(path))
	assert.Error(t, WriteSample(path), "init must not overwrite")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.BaseDir)
	assert.Len(t, cfg.Projections, 2)
	assert.Equal(t, filepath.Join(dir, "src"), cfg.Resolve("src"))
	assert.Equal(t, "/abs", cfg.Resolve("/abs"))
	assert.Equal(t, filepath.Join(dir, DefaultStateDir), cfg.StatePath())
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("FUNNEL_CONFIG", "")
	assert.Equal(t, DefaultPath, GetConfigPath())

	t.Setenv("FUNNEL_CONFIG", "other.yaml")
	assert.Equal(t, "other.yaml", GetConfigPath())
}
