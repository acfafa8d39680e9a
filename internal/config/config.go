// internal/config/config.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"funnel/internal/errors"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath     = "funnel.yaml"
	DefaultStateDir = ".funnel"
	DefaultDebounce = 200 * time.Millisecond
)

type Config struct {
	LogLevel    string       `yaml:"log_level"` // debug, info, warn, error
	StateDir    string       `yaml:"state_dir"`
	Watch       Watch        `yaml:"watch"`
	Projections []Projection `yaml:"projections"`

	// BaseDir is the directory relative paths are resolved against. Set by
	// Load to the directory holding the config file.
	BaseDir string `yaml:"-"`
}

type Watch struct {
	Debounce    time.Duration `yaml:"debounce"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// Projection is one funnel: a filtered view of Input linked into Output.
type Projection struct {
	Name       string   `yaml:"name"`
	Annotation string   `yaml:"annotation"`
	Input      string   `yaml:"input"`
	Output     string   `yaml:"output"`
	SrcDir     string   `yaml:"src_dir"`
	DestDir    string   `yaml:"dest_dir"`
	Include    []string `yaml:"include"`
	Exclude    []string `yaml:"exclude"`
	Files      []string `yaml:"files"` // nil when absent, which is not the same as empty
	Rename     string   `yaml:"rename"`
	AllowEmpty bool     `yaml:"allow_empty"`
	Checksums  bool     `yaml:"checksums"`
}

// GetConfigPath returns the config file named by FUNNEL_CONFIG, or the
// default.
func GetConfigPath() string {
	if p := os.Getenv("FUNNEL_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("config file %s not found, run `funnel init`", path))
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config directory: %w", err)
	}
	cfg.BaseDir = abs
	return cfg, nil
}

// Parse decodes and validates a config document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Configuration("invalid config file", err.Error())
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = DefaultDebounce
	}
}

func (c *Config) Validate() error {
	if len(c.Projections) == 0 {
		return errors.Configuration("config has no projections", nil)
	}

	seen := make(map[string]bool, len(c.Projections))
	for i, p := range c.Projections {
		if p.Name == "" {
			return errors.Configuration(fmt.Sprintf("projection %d has no name", i), nil)
		}
		if seen[p.Name] {
			return errors.Configuration(fmt.Sprintf("duplicate projection name %q", p.Name), nil)
		}
		seen[p.Name] = true

		if p.Input == "" || p.Output == "" {
			return errors.Configuration(fmt.Sprintf("projection %q needs an input and an output", p.Name), nil)
		}
		if p.Files != nil && (p.Include != nil || p.Exclude != nil) {
			return errors.Configuration(fmt.Sprintf("projection %q: cannot pass files and an include/exclude filter, you can have one or the other", p.Name), nil)
		}
	}
	return nil
}

// Resolve makes p relative to the config file's directory unless it is
// absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) StatePath() string {
	return c.Resolve(c.StateDir)
}

// Sample is the config written by `funnel init`.
const Sample = `# funnel configuration
log_level: info
state_dir: .funnel

watch:
  debounce: 200ms
  # metrics_addr: ":9090"

projections:
  # Link everything under src/ into dist/.
  - name: all
    input: src
    output: dist

  # Only scripts, renamed to .mjs, under dist-js/js.
  - name: scripts
    annotation: scripts only
    input: src
    output: dist-js
    dest_dir: js
    include: ["**/*.js"]
    exclude: ["vendor"]
    rename: "replace(path, '.js', '.mjs')"
`

// WriteSample writes Sample to path, refusing to overwrite an existing file.
func WriteSample(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Configuration(fmt.Sprintf("%s already exists", path), nil)
		}
		return fmt.Errorf("creating config: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(Sample); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
