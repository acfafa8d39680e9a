package source

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"funnel/internal/tree"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Projection is a filtered view of a Tree. It is not safe for concurrent
// use; one build pass at a time drives it.
type Projection struct {
	tree     *Tree
	cwd      string
	files    []string
	include  []tree.Matcher
	exclude  []tree.Matcher
	literals []string
	prev     []tree.Entry
	pending  []tree.Entry
	scanned  bool
}

// Changes diffs the current state against the previous snapshot and
// commits the scanned state.
func (p *Projection) Changes() ([]tree.Patch, error) {
	patches, err := p.Pending()
	if err != nil {
		return nil, err
	}
	if err := p.Commit(); err != nil {
		return nil, err
	}
	return patches, nil
}

// Pending diffs the current state against the previous snapshot without
// advancing it. The scanned state is held until Commit.
func (p *Projection) Pending() ([]tree.Patch, error) {
	p.pending, p.scanned = nil, false
	curr, err := p.scan()
	if err != nil {
		return nil, err
	}
	p.pending, p.scanned = curr, true
	return tree.Diff(p.prev, curr, p.tree.checksums != nil), nil
}

// Commit makes the state seen by the last Pending the previous snapshot and
// persists it when the tree has a snapshot store.
func (p *Projection) Commit() error {
	if !p.scanned {
		return nil
	}
	curr := p.pending
	p.pending, p.scanned = nil, false
	p.prev = curr

	if p.tree.store != nil {
		if err := p.tree.store.SaveSnapshot(p.tree.key, curr); err != nil {
			return fmt.Errorf("saving snapshot: %w", err)
		}
	}
	return nil
}

func (p *Projection) Exists(rel string) bool {
	_, err := p.tree.fs.Stat(p.AbsPath(rel))
	return err == nil
}

// Size is the number of entries in the last snapshot.
func (p *Projection) Size() int {
	return len(p.prev)
}

func (p *Projection) Root() string {
	return p.tree.abs(p.cwd)
}

func (p *Projection) SetFiles(files []string) {
	p.files = files
}

func (p *Projection) AbsPath(rel string) string {
	return p.tree.abs(path.Join(p.cwd, cleanRelative(rel)))
}

// scanner accumulates the entries of one scan.
type scanner struct {
	p       *Projection
	base    string
	entries map[string]tree.Entry
	dirs    map[string]os.FileInfo
}

func (p *Projection) scan() ([]tree.Entry, error) {
	base := p.Root()
	info, err := p.tree.fs.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("accessing %s: %w", base, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("projection root %s is not a directory", base)
	}

	s := &scanner{
		p:       p,
		base:    walkBase(p.tree.fs, base),
		entries: make(map[string]tree.Entry),
		dirs:    make(map[string]os.FileInfo),
	}

	switch {
	case p.files != nil:
		for _, f := range p.files {
			if err := s.visitLiteral(cleanRelative(f)); err != nil {
				return nil, err
			}
		}
	case len(p.literals) > 0:
		for _, l := range p.literals {
			if err := s.visitLiteral(l); err != nil {
				return nil, err
			}
		}
	default:
		if err := s.walk(s.base); err != nil {
			return nil, err
		}
	}

	if err := s.addAncestors(); err != nil {
		return nil, err
	}

	out := make([]tree.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RelativePath < out[j].RelativePath
	})
	return out, nil
}

// visitLiteral adds one explicitly named path, walking it when it names a
// directory. Missing paths are skipped.
func (s *scanner) visitLiteral(rel string) error {
	if rel == "" {
		return s.walk(s.base)
	}
	abs := filepath.Join(s.base, filepath.FromSlash(rel))
	info, err := lstat(s.p.tree.fs, abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.p.tree.logger.Debug("Skipping missing path", zap.String("path", rel))
			return nil
		}
		return fmt.Errorf("accessing %s: %w", rel, err)
	}
	excluded, err := matchAny(s.p.exclude, rel)
	if err != nil || excluded {
		return err
	}
	if info.IsDir() {
		return s.walk(abs)
	}
	return s.addFile(rel, info)
}

func (s *scanner) walk(start string) error {
	return afero.Walk(s.p.tree.fs, start, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(s.base, abs)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if info.IsDir() {
			excluded, err := matchAny(s.p.exclude, rel)
			if err != nil {
				return err
			}
			if excluded {
				return filepath.SkipDir
			}
			s.dirs[rel] = info
			return nil
		}

		ok, err := s.selected(rel)
		if err != nil || !ok {
			return err
		}
		return s.addFile(rel, info)
	})
}

func (s *scanner) selected(rel string) (bool, error) {
	if len(s.p.include) > 0 {
		included, err := matchAny(s.p.include, rel)
		if err != nil || !included {
			return false, err
		}
	}
	excluded, err := matchAny(s.p.exclude, rel)
	return !excluded, err
}

func (s *scanner) addFile(rel string, info os.FileInfo) error {
	sum, err := s.p.tree.checksum(path.Join(s.p.cwd, rel), info)
	if err != nil {
		return err
	}
	s.entries[rel] = tree.Entry{
		RelativePath: rel,
		Mode:         info.Mode(),
		Size:         info.Size(),
		MTime:        info.ModTime(),
		Checksum:     sum,
	}
	return nil
}

// addAncestors projects the directories that lead to selected files. Empty
// directories are not projected.
func (s *scanner) addAncestors() error {
	var files []string
	for rel := range s.entries {
		files = append(files, rel)
	}

	for _, rel := range files {
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if _, ok := s.entries[dir]; ok {
				break
			}
			info, ok := s.dirs[dir]
			if !ok {
				var err error
				info, err = s.p.tree.fs.Stat(filepath.Join(s.base, filepath.FromSlash(dir)))
				if err != nil {
					return fmt.Errorf("accessing %s: %w", dir, err)
				}
			}
			s.entries[dir] = tree.Entry{
				RelativePath: dir,
				Mode:         info.Mode(),
				MTime:        info.ModTime(),
			}
		}
	}
	return nil
}

// walkBase returns the path to walk for dir. A symlinked dir gets a trailing
// separator so that lstat resolves it to the directory it points at.
func walkBase(fs afero.Fs, dir string) string {
	info, err := lstat(fs, dir)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return dir + string(filepath.Separator)
	}
	return dir
}

func matchAny(ms []tree.Matcher, rel string) (bool, error) {
	for _, m := range ms {
		if fm, ok := m.(tree.FallibleMatcher); ok {
			matched, err := fm.MatchErr(rel)
			if err != nil {
				return false, fmt.Errorf("matching %s: %w", rel, err)
			}
			if matched {
				return true, nil
			}
			continue
		}
		if m.Match(rel) {
			return true, nil
		}
	}
	return false, nil
}

func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fs.Stat(name)
}
