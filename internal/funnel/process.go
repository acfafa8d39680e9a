package funnel

import (
	"path"
	"strings"

	"funnel/internal/tree"
)

// processPatches maps raw input patches onto output paths and injects the
// directory creations needed so that no patch touches a path whose parent
// has not been created earlier in the list.
//
// The input patches and their entries are left untouched; the projection
// keeps them as its snapshot.
func (f *Funnel) processPatches(patches []tree.Patch) ([]tree.Patch, error) {
	if len(patches) == 0 {
		return nil, nil
	}

	known := make(map[string]bool)
	out := make([]tree.Patch, 0, len(patches)+1)

	if !isRoot(f.opts.DestDir) {
		dest := ensureRelative(path.Clean("/" + f.opts.DestDir))
		out = append(out, tree.Patch{Op: tree.OpMkdirp, Path: dest, Entry: tree.NewDirEntry(dest)})
		known[dest] = true
	}

	for _, p := range patches {
		entry := p.Entry
		if entry == nil {
			entry = &tree.Entry{RelativePath: p.Path}
		}

		outputPath, err := f.cache.Resolve(entry)
		if err != nil {
			return nil, err
		}
		f.outputToInput[outputPath] = entry.RelativePath

		mapped := *entry
		mapped.RelativePath = outputPath

		if p.Op == tree.OpMkdir || p.Op == tree.OpMkdirp {
			known[chompPathSep(outputPath)] = true
		}

		parent := chompPathSep(path.Dir(outputPath))
		if !isRoot(parent) && !known[parent] {
			op := tree.OpMkdirp
			if i := strings.LastIndex(parent, "/"); i < 0 || known[parent[:i]] {
				op = tree.OpMkdir
			}
			known[parent] = true
			out = append(out, tree.Patch{Op: op, Path: parent, Entry: tree.NewDirEntry(parent)})
		}

		out = append(out, tree.Patch{Op: p.Op, Path: outputPath, Entry: &mapped})
	}

	return out, nil
}

// inputPathFor finds the input path a create or change was resolved from.
func (f *Funnel) inputPathFor(outputPath string) string {
	if in, ok := f.outputToInput[outputPath]; ok {
		return in
	}
	if in := f.outputToInput["/"+outputPath]; in != "" {
		return in
	}
	if in := f.outputToInput[f.opts.DestDir+"/"+outputPath]; in != "" {
		return in
	}
	return ""
}
