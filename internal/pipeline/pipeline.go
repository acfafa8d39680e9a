// internal/pipeline/pipeline.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"funnel/internal/config"
	"funnel/internal/errors"
	"funnel/internal/funnel"
	"funnel/internal/logging"
	"funnel/internal/output"
	"funnel/internal/pattern"
	"funnel/internal/source"
	"funnel/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const checksumCacheSize = 4096

// Pipeline runs the funnels of one config file in order.
type Pipeline struct {
	Config *config.Config
	DB     *badger.DB
	Store  *storage.BadgerStore
	Logger *logging.Logger

	fs          afero.Fs
	ownsDB      bool
	projections []*projection

	mu        sync.Mutex
	lastBuild string
}

type projection struct {
	cfg    config.Projection
	input  string
	output string
	out    *output.Tree
	funnel *funnel.Funnel
}

// New opens the state database under the config's state dir and builds one
// funnel per projection.
func New(cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	db, err := InitDB(filepath.Join(cfg.StatePath(), "db"))
	if err != nil {
		return nil, err
	}

	p, err := NewWithDB(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.ownsDB = true
	return p, nil
}

// NewInMemory builds a pipeline whose snapshots live only as long as it does.
func NewInMemory(cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	db, err := OpenInMemoryDB()
	if err != nil {
		return nil, err
	}

	p, err := NewWithDB(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.ownsDB = true
	return p, nil
}

// NewWithDB builds a pipeline over an already open database. The caller keeps
// ownership of db.
func NewWithDB(cfg *config.Config, db *badger.DB, logger *logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = &logging.Logger{Logger: zap.NewNop()}
	}

	store, err := storage.NewBadgerStore(db)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	p := &Pipeline{
		Config: cfg,
		DB:     db,
		Store:  store,
		Logger: logger,
		fs:     afero.NewOsFs(),
	}
	if err := p.setup(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) setup() error {
	p.projections = p.projections[:0]
	for _, pc := range p.Config.Projections {
		proj, err := p.newProjection(pc)
		if err != nil {
			return fmt.Errorf("projection %q: %w", pc.Name, err)
		}
		p.projections = append(p.projections, proj)
	}
	return nil
}

func (p *Pipeline) newProjection(pc config.Projection) (*projection, error) {
	logger := p.Logger.With(zap.String("projection", pc.Name))
	inputPath := p.Config.Resolve(pc.Input)
	outputPath := p.Config.Resolve(pc.Output)

	// A fresh output cannot be brought up to date from an old snapshot.
	if _, err := os.Lstat(outputPath); os.IsNotExist(err) {
		if err := p.Store.DeleteSnapshot(pc.Name); err != nil {
			return nil, fmt.Errorf("dropping stale snapshot: %w", err)
		}
	}

	opts := []source.Option{
		source.WithSnapshotStore(p.Store, pc.Name),
		source.WithLogger(logger),
	}
	if pc.Checksums {
		opts = append(opts, source.WithChecksums(checksumCacheSize))
	}
	in, err := source.New(p.fs, inputPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating input tree: %w", err)
	}

	out, err := output.New(p.fs, outputPath, logger)
	if err != nil {
		return nil, fmt.Errorf("creating output tree: %w", err)
	}

	fopts, err := FunnelOptions(pc)
	if err != nil {
		return nil, err
	}
	f, err := funnel.New(in, out, fopts, logger)
	if err != nil {
		return nil, err
	}

	return &projection{
		cfg:    pc,
		input:  inputPath,
		output: outputPath,
		out:    out,
		funnel: f,
	}, nil
}

// FunnelOptions turns a configured projection into funnel options. Include
// and exclude strings go through pattern.Parse and rename through
// pattern.CompileRename.
func FunnelOptions(pc config.Projection) (funnel.Options, error) {
	opts := funnel.Options{
		SrcDir:     pc.SrcDir,
		DestDir:    pc.DestDir,
		Files:      pc.Files,
		AllowEmpty: pc.AllowEmpty,
		Annotation: pc.Annotation,
	}
	if opts.Annotation == "" {
		opts.Annotation = pc.Name
	}

	var err error
	if pc.Include != nil {
		if opts.Include, err = pattern.ParseAll(pc.Include); err != nil {
			return opts, fmt.Errorf("include: %w", err)
		}
	}
	if pc.Exclude != nil {
		if opts.Exclude, err = pattern.ParseAll(pc.Exclude); err != nil {
			return opts, fmt.Errorf("exclude: %w", err)
		}
	}
	if pc.Rename != "" {
		if opts.RenameFunc, err = pattern.CompileRename(pc.Rename); err != nil {
			return opts, fmt.Errorf("rename: %w", err)
		}
	}
	return opts, nil
}

// Build runs one pass of every funnel in config order and returns the pass's
// build ID. The first failure aborts the pass.
func (p *Pipeline) Build() (string, error) {
	buildID := uuid.New().String()
	logger := p.Logger.WithBuild(buildID)

	for _, proj := range p.projections {
		if err := proj.funnel.Build(); err != nil {
			logger.Error("Build failed", zap.String("projection", proj.cfg.Name), zap.Error(err))
			return buildID, fmt.Errorf("building %s: %w", proj.cfg.Name, err)
		}
		stats := proj.funnel.Stats()
		logger.Info("Built projection",
			zap.String("projection", proj.cfg.Name),
			zap.Int("processed", stats.Processed),
			zap.Int("linked", stats.Linked),
		)
	}

	p.mu.Lock()
	p.lastBuild = buildID
	p.mu.Unlock()
	return buildID, nil
}

// LastBuild returns the ID of the last pass that completed, or "". It is
// safe to call while a build runs.
func (p *Pipeline) LastBuild() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBuild
}

// Plan returns what the next build of every projection would do.
func (p *Pipeline) Plan() ([]*funnel.Plan, error) {
	plans := make([]*funnel.Plan, 0, len(p.projections))
	for _, proj := range p.projections {
		plan, err := proj.funnel.Plan()
		if err != nil {
			return nil, fmt.Errorf("planning %s: %w", proj.cfg.Name, err)
		}
		plan.Name = proj.cfg.Name
		plans = append(plans, plan)
	}
	return plans, nil
}

// Clean empties every output and drops the persisted snapshots, so the next
// build starts from scratch.
func (p *Pipeline) Clean() error {
	for _, proj := range p.projections {
		if err := proj.out.UndoRootSymlink(); err != nil {
			return fmt.Errorf("cleaning %s: %w", proj.cfg.Name, err)
		}
		if err := proj.out.Empty(""); err != nil {
			return fmt.Errorf("cleaning %s: %w", proj.cfg.Name, err)
		}
		if err := p.Store.DeleteSnapshot(proj.cfg.Name); err != nil {
			return fmt.Errorf("dropping snapshot of %s: %w", proj.cfg.Name, err)
		}
		p.Logger.Info("Cleaned projection", zap.String("projection", proj.cfg.Name), zap.String("output", proj.output))
	}
	return p.setup()
}

// Projection looks up the funnel of a named projection.
func (p *Pipeline) Projection(name string) (*funnel.Funnel, error) {
	for _, proj := range p.projections {
		if proj.cfg.Name == name {
			return proj.funnel, nil
		}
	}
	return nil, errors.NotFound(fmt.Sprintf("projection %q not found", name))
}

// WatchRoots lists the distinct input directories.
func (p *Pipeline) WatchRoots() []string {
	seen := make(map[string]bool)
	var roots []string
	for _, proj := range p.projections {
		if !seen[proj.input] {
			seen[proj.input] = true
			roots = append(roots, proj.input)
		}
	}
	return roots
}

// IgnoredPaths are the paths a watcher must not react to: the state dir and
// every output, which may live inside an input.
func (p *Pipeline) IgnoredPaths() []string {
	paths := []string{p.Config.StatePath()}
	for _, proj := range p.projections {
		paths = append(paths, proj.output)
	}
	return paths
}

func (p *Pipeline) Close() error {
	p.Store.Close()
	if p.ownsDB && p.DB != nil {
		return p.DB.Close()
	}
	return nil
}
