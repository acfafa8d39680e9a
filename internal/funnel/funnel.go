// Package funnel projects a filtered, optionally renamed view of an input
// tree onto an output tree using symlinks, applying only what changed since
// the previous build.
package funnel

import (
	"fmt"
	"time"

	"funnel/internal/errors"
	"funnel/internal/metrics"
	"funnel/internal/tree"

	"go.uber.org/zap"
)

// Node is a buildable pipeline step.
type Node interface {
	Build() error
	DebugName() string
}

// Funnel is not safe for concurrent use. Callers run one build at a time.
type Funnel struct {
	in     tree.InputTree
	out    tree.OutputTree
	opts   Options
	logger *zap.Logger

	projected tree.Projection
	cache     *DestinationCache
	isRebuild bool
	destPath  string

	// Reset at the start of every build.
	outputToInput map[string]string
	stats         Stats
}

var _ Node = (*Funnel)(nil)

func New(in tree.InputTree, out tree.OutputTree, opts Options, logger *zap.Logger) (*Funnel, error) {
	if in == nil || out == nil {
		return nil, errors.Configuration("funnel needs an input and an output tree", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.normalize(logger); err != nil {
		return nil, err
	}

	f := &Funnel{
		in:            in,
		out:           out,
		opts:          opts,
		cache:         NewDestinationCache(opts.DestDir, opts.renamer()),
		outputToInput: make(map[string]string),
	}
	f.logger = logger.With(zap.String("funnel", f.DebugName()))
	return f, nil
}

func (f *Funnel) DebugName() string {
	if f.opts.Annotation != "" {
		return f.opts.Annotation
	}
	return "Funnel"
}

// Stats returns the counters of the last build.
func (f *Funnel) Stats() Stats {
	return f.stats
}

// InvalidateDestinations drops every memoized destination path. Call it when
// the rename function starts answering differently for paths it has seen.
func (f *Funnel) InvalidateDestinations() {
	f.cache.Invalidate()
}

func (f *Funnel) shouldLinkRoots() bool {
	return !f.opts.hasFiles() &&
		f.opts.Include == nil &&
		f.opts.Exclude == nil &&
		f.opts.GetDestinationPath == nil &&
		f.opts.RenameFunc == nil
}

func (f *Funnel) projection() tree.Projection {
	if f.projected == nil {
		f.projected = f.in.Filtered(f.opts.filterConfig())
	}
	if f.opts.FilesFunc != nil {
		files := f.opts.FilesFunc()
		if files == nil {
			files = []string{}
		}
		f.projected.SetFiles(files)
	}
	return f.projected
}

// Build brings the output tree in line with the current input. A failed
// build leaves whatever it already applied in place.
func (f *Funnel) Build() (err error) {
	start := time.Now()
	f.stats = Stats{}

	destPath, err := f.out.ResolvePath(f.opts.DestDir)
	if err != nil {
		return errors.Configuration("invalid destDir", err.Error())
	}
	f.destPath = destPath

	p := f.projection()
	linkedRoots := f.shouldLinkRoots()

	mode := "filtered"
	if linkedRoots {
		mode = "linked"
	}
	defer func() {
		metrics.RecordBuild(f.DebugName(), mode, time.Since(start), err == nil)
	}()

	if linkedRoots {
		err = f.linkRoots(p)
	} else {
		err = f.processFilters(p)
	}
	if err != nil {
		return err
	}

	metrics.SetDestinationCacheSize(f.DebugName(), f.cache.Len())
	f.logger.Debug("build", append([]zap.Field{
		zap.Duration("in", time.Since(start)),
		zap.Bool("linkedRoots", linkedRoots),
		zap.String("inputPath", p.Root()),
		zap.String("destPath", f.destPath),
	}, f.stats.fields()...)...)
	return nil
}

func (f *Funnel) processFilters(p tree.Projection) error {
	f.outputToInput = make(map[string]string)

	raw, err := p.Pending()
	if err != nil {
		return fmt.Errorf("computing changes: %w", err)
	}

	// Nothing is committed until every patch has a destination, so a
	// failed rename is retried in full by the next build.
	patches, err := f.processPatches(raw)
	if err != nil {
		return err
	}
	if err := p.Commit(); err != nil {
		return err
	}
	for _, patch := range patches {
		if err := f.applyPatch(patch, p); err != nil {
			return err
		}
	}
	return nil
}

// linkRoots links the whole input root onto DestDir.
func (f *Funnel) linkRoots(p tree.Projection) error {
	inputExists := p.Exists("")

	// Not a rebuild unless the previous build left a projection behind.
	f.isRebuild = f.isRebuild && (f.out.Parent() != "" || f.out.Size() > 0)

	if f.isRebuild {
		switch {
		case inputExists:
			// The existing link already reflects the input, unless the
			// output was removed from under us.
			if !f.out.IsSymlink(f.opts.DestDir) {
				f.logger.Info("Output link is missing, relinking", zap.String("destDir", f.opts.DestDir))
				if err := f.resetOutput(); err != nil {
					return err
				}
				if err := f.linkDest(p); err != nil {
					return err
				}
			}
		case f.opts.AllowEmpty:
			if err := f.resetOutput(); err != nil {
				return err
			}
			if err := f.out.MkdirAll(f.opts.DestDir); err != nil {
				return fmt.Errorf("creating empty destDir: %w", err)
			}
		default:
			if err := f.resetOutput(); err != nil {
				return err
			}
		}
	} else {
		switch {
		case inputExists:
			if err := f.linkDest(p); err != nil {
				return err
			}
		case f.opts.AllowEmpty:
			if !isRoot(f.opts.DestDir) {
				if err := f.out.MkdirAll(f.opts.DestDir); err != nil {
					return fmt.Errorf("creating empty destDir: %w", err)
				}
			}
		default:
			return errors.MissingSource(f.opts.SrcDir)
		}
	}

	f.isRebuild = true
	return nil
}

func (f *Funnel) resetOutput() error {
	if err := f.out.UndoRootSymlink(); err != nil {
		return err
	}
	if err := f.out.Empty(""); err != nil {
		return fmt.Errorf("emptying output: %w", err)
	}
	return nil
}

// linkDest links the input root at DestDir. A plain directory left at DestDir
// by an earlier empty build is removed first.
func (f *Funnel) linkDest(p tree.Projection) error {
	dest := f.opts.DestDir
	if !isRoot(dest) && f.out.Exists(dest) && !f.out.IsSymlink(dest) {
		if err := f.out.Empty(dest); err != nil {
			return fmt.Errorf("clearing destDir: %w", err)
		}
		if err := f.out.Rmdir(dest); err != nil {
			return fmt.Errorf("clearing destDir: %w", err)
		}
	}
	if err := f.symlink(p, "", dest); err != nil {
		return fmt.Errorf("linking roots: %w", err)
	}
	return nil
}

// Plan is what the next build would do.
type Plan struct {
	Name        string
	LinkedRoots bool
	InputPath   string
	DestPath    string
	Patches     []tree.Patch
}

// Plan computes the processed patches of the next build without applying
// them or advancing the projection.
func (f *Funnel) Plan() (*Plan, error) {
	destPath, err := f.out.ResolvePath(f.opts.DestDir)
	if err != nil {
		return nil, errors.Configuration("invalid destDir", err.Error())
	}

	p := f.projection()
	plan := &Plan{
		Name:        f.DebugName(),
		LinkedRoots: f.shouldLinkRoots(),
		InputPath:   p.Root(),
		DestPath:    destPath,
	}
	if plan.LinkedRoots {
		return plan, nil
	}

	raw, err := p.Pending()
	if err != nil {
		return nil, fmt.Errorf("computing changes: %w", err)
	}
	f.outputToInput = make(map[string]string)
	if plan.Patches, err = f.processPatches(raw); err != nil {
		return nil, err
	}
	return plan, nil
}
