// Package tree holds the values exchanged between an input projection, the
// funnel engine and an output tree.
package tree

import (
	"io/fs"
	"time"
)

// DirMode is the mode given to synthesized directory entries.
const DirMode = fs.ModeDir | 0o755

// Entry is an immutable snapshot of one filesystem object, relative to the
// root of the tree it came from. Paths are slash separated.
type Entry struct {
	RelativePath string      `json:"path"`
	Mode         fs.FileMode `json:"mode"`
	Size         int64       `json:"size"`
	MTime        time.Time   `json:"mtime"`
	Checksum     string      `json:"checksum,omitempty"` // empty when not computed
}

func (e Entry) IsDir() bool {
	return e.Mode.IsDir()
}

// NewDirEntry builds the entry carried by an injected directory patch.
func NewDirEntry(relativePath string) *Entry {
	return &Entry{
		RelativePath: relativePath,
		Mode:         DirMode,
		Size:         0,
		MTime:        time.Now(),
	}
}

type Op string

const (
	OpMkdir  Op = "mkdir"
	OpMkdirp Op = "mkdirp" // only ever synthesized, never produced by Diff
	OpRmdir  Op = "rmdir"
	OpUnlink Op = "unlink"
	OpCreate Op = "create"
	OpChange Op = "change"
)

// Patch is one filesystem change. Path is relative to the tree the patch
// targets.
type Patch struct {
	Op    Op
	Path  string
	Entry *Entry
}

// FilterConfig selects what part of an input tree a projection exposes.
type FilterConfig struct {
	Cwd     string
	Files   []string
	Include []Matcher
	Exclude []Matcher

	// Literals is set when every include is a literal path. The projection
	// then visits only those paths instead of walking the whole tree.
	Literals []string
}

// Matcher is satisfied by pattern.Pattern. Declared here so projections do
// not depend on how patterns are compiled.
type Matcher interface {
	Match(relativePath string) bool
}

// FallibleMatcher is a Matcher whose evaluation can fail, such as a
// predicate expression. Projections use MatchErr when it is implemented.
type FallibleMatcher interface {
	MatchErr(relativePath string) (bool, error)
}

// LinkSource resolves a projection relative path to the absolute location a
// symlink should point at.
type LinkSource interface {
	AbsPath(relativePath string) string
}

// Projection is a filtered view of an input tree that remembers what it
// looked like at the previous call to Changes.
type Projection interface {
	LinkSource

	// Changes returns the ordered patches between the previous and current
	// state and advances the snapshot.
	Changes() ([]Patch, error)

	// Pending is Changes without advancing the snapshot.
	Pending() ([]Patch, error)

	// Commit advances the snapshot to the state seen by the last Pending.
	Commit() error

	Exists(relativePath string) bool
	Size() int
	Root() string
	SetFiles(files []string)
}

// InputTree produces projections.
type InputTree interface {
	Filtered(cfg FilterConfig) Projection
}

// OutputTree is the facade every mutation of the output goes through.
type OutputTree interface {
	Mkdir(relativePath string) error
	MkdirAll(relativePath string) error
	Rmdir(relativePath string) error
	Unlink(relativePath string) error
	Empty(relativePath string) error
	Exists(relativePath string) bool
	IsSymlink(relativePath string) bool
	ResolvePath(relativePath string) (string, error)
	SymlinkFromEntry(src LinkSource, srcPath, destPath string) error
	UndoRootSymlink() error

	// Parent is the target of the root link, or "" when the root is a
	// plain directory.
	Parent() string
	Size() int
}
