package funnel

import (
	"fmt"
	"path"

	"funnel/internal/errors"
	"funnel/internal/metrics"
	"funnel/internal/tree"

	"go.uber.org/zap"
)

// Stats counts what one build pass did to the output tree.
type Stats struct {
	Mkdir     int `json:"mkdir"`
	Mkdirp    int `json:"mkdirp"`
	Rmdir     int `json:"rmdir"`
	Unlink    int `json:"unlink"`
	Create    int `json:"create"`
	Change    int `json:"change"`
	Processed int `json:"processed"`
	Linked    int `json:"linked"`
}

func (s Stats) fields() []zap.Field {
	return []zap.Field{
		zap.Int("mkdir", s.Mkdir),
		zap.Int("mkdirp", s.Mkdirp),
		zap.Int("rmdir", s.Rmdir),
		zap.Int("unlink", s.Unlink),
		zap.Int("create", s.Create),
		zap.Int("change", s.Change),
		zap.Int("processed", s.Processed),
		zap.Int("linked", s.Linked),
	}
}

func (f *Funnel) applyPatch(p tree.Patch, src tree.LinkSource) error {
	// The output root always exists.
	if p.Path == "" {
		return nil
	}

	f.logger.Debug(string(p.Op) + " " + p.Path)

	var err error
	switch p.Op {
	case tree.OpUnlink:
		f.stats.Unlink++
		err = f.out.Unlink(p.Path)
	case tree.OpRmdir:
		f.stats.Rmdir++
		err = f.out.Rmdir(p.Path)
	case tree.OpMkdir:
		f.stats.Mkdir++
		err = f.out.Mkdir(p.Path)
	case tree.OpMkdirp:
		f.stats.Mkdirp++
		err = f.out.MkdirAll(p.Path)
	case tree.OpChange, tree.OpCreate:
		if p.Op == tree.OpCreate {
			f.stats.Create++
		} else {
			f.stats.Change++
		}
		err = f.symlink(src, f.inputPathFor(p.Path), p.Path)
	default:
		return errors.UnknownOperation(string(p.Op))
	}
	if err != nil {
		return fmt.Errorf("applying %s %s: %w", p.Op, p.Path, err)
	}

	f.stats.Processed++
	metrics.RecordPatch(f.DebugName(), string(p.Op))
	return nil
}

// symlink replaces destPath with a link to srcPath in src, creating the
// parent directory when it is missing.
func (f *Funnel) symlink(src tree.LinkSource, srcPath, destPath string) error {
	parent := path.Dir(destPath)
	if !f.out.Exists(parent) {
		if err := f.out.MkdirAll(parent); err != nil {
			return err
		}
	}

	if !isRoot(destPath) && f.out.Exists(destPath) {
		if err := f.out.Unlink(destPath); err != nil {
			return err
		}
	}

	if err := f.out.SymlinkFromEntry(src, srcPath, destPath); err != nil {
		return err
	}
	f.stats.Linked++
	return nil
}
