// internal/funnel/options.go
package funnel

import (
	"strings"

	"funnel/internal/errors"
	"funnel/internal/pattern"
	"funnel/internal/tree"

	"go.uber.org/zap"
)

// Options configures a Funnel. The zero value links the whole input root onto
// the output root.
type Options struct {
	// SrcDir is the input directory to project, relative to the input
	// tree. Defaults to the root.
	SrcDir string

	// DestDir is where the projection lands in the output tree. Defaults to
	// the root.
	DestDir string

	Include []pattern.Pattern
	Exclude []pattern.Pattern

	// Files is an explicit list of input paths. A non-nil empty list selects
	// nothing. Mutually exclusive with FilesFunc, Include and Exclude.
	Files []string

	// FilesFunc produces the file list and is called once per build.
	FilesFunc func() []string

	// GetDestinationPath renames files (never directories). Its result is
	// memoized per input path, so it must be a pure function of its
	// argument; see DestinationCache.
	GetDestinationPath func(relativePath string) string

	// RenameFunc is GetDestinationPath for renames that can fail. An error
	// fails the build. At most one of the two may be set.
	RenameFunc func(relativePath string) (string, error)

	// AllowEmpty permits a missing SrcDir when linking roots.
	AllowEmpty bool

	Annotation string
}

func (o *Options) hasFiles() bool {
	return o.Files != nil || o.FilesFunc != nil
}

// normalize validates the options and fills in defaults. Files that contain
// glob patterns are moved to Include.
func (o *Options) normalize(logger *zap.Logger) error {
	if o.Files != nil && o.FilesFunc != nil {
		return errors.Configuration("files may be a list or a function, not both", nil)
	}
	if o.GetDestinationPath != nil && o.RenameFunc != nil {
		return errors.Configuration("GetDestinationPath and RenameFunc cannot both be set", nil)
	}
	if o.hasFiles() && (o.Include != nil || o.Exclude != nil) {
		return errors.Configuration("cannot pass files (list or function) and an include/exclude filter, you can have one or the other", nil)
	}
	for i, p := range o.Include {
		if p == nil {
			return errors.Configuration("include pattern is nil", i)
		}
	}
	for i, p := range o.Exclude {
		if p == nil {
			return errors.Configuration("exclude pattern is nil", i)
		}
	}

	if o.Files != nil {
		globs := false
		for _, f := range o.Files {
			if !pattern.IsLiteral(f) {
				globs = true
				break
			}
		}
		if globs {
			logger.Warn("files does not support globs, use include instead",
				zap.Strings("files", o.Files))
			vs := make([]any, 0, len(o.Files))
			for _, f := range o.Files {
				vs = append(vs, f)
			}
			include, err := pattern.CompileAll(vs...)
			if err != nil {
				return errors.Configuration("invalid files entry", err.Error())
			}
			o.Include = include
			o.Files = nil
		}
	}

	if isRoot(o.SrcDir) {
		o.SrcDir = "/"
	}
	if isRoot(o.DestDir) {
		o.DestDir = "/"
	}
	return nil
}

func (o *Options) renamer() func(string) (string, error) {
	if o.RenameFunc != nil {
		return o.RenameFunc
	}
	if rename := o.GetDestinationPath; rename != nil {
		return func(p string) (string, error) { return rename(p), nil }
	}
	return nil
}

func (o *Options) filterConfig() tree.FilterConfig {
	cfg := tree.FilterConfig{
		Cwd:     strings.Trim(o.SrcDir, "/"),
		Files:   o.Files,
		Include: matchers(o.Include),
		Exclude: matchers(o.Exclude),
	}
	if pattern.AllLiteral(o.Include) {
		cfg.Literals = pattern.Literals(o.Include)
	}
	return cfg
}

func matchers(ps []pattern.Pattern) []tree.Matcher {
	if ps == nil {
		return nil
	}
	out := make([]tree.Matcher, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}

func isRoot(relativePath string) bool {
	return relativePath == "/" || relativePath == "." || relativePath == ""
}
