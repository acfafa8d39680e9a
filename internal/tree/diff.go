package tree

import (
	"sort"
)

// Diff returns the patches that turn prev into curr.
//
// Removals come first, deepest path first, so a directory is only removed
// once it is empty. Additions and changes follow in lexical order, which puts
// every directory ahead of its children. An entry that flips between file and
// directory is removed and added again.
func Diff(prev, curr []Entry, compareChecksums bool) []Patch {
	before := make(map[string]Entry, len(prev))
	for _, e := range prev {
		before[e.RelativePath] = e
	}
	after := make(map[string]Entry, len(curr))
	for _, e := range curr {
		after[e.RelativePath] = e
	}

	var removed []Entry
	for p, old := range before {
		cur, ok := after[p]
		if !ok || cur.IsDir() != old.IsDir() {
			removed = append(removed, old)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].RelativePath > removed[j].RelativePath
	})

	var upserted []Patch
	for p, cur := range after {
		old, ok := before[p]
		switch {
		case !ok || old.IsDir() != cur.IsDir():
			upserted = append(upserted, addPatch(cur))
		case !cur.IsDir() && changed(old, cur, compareChecksums):
			e := cur
			upserted = append(upserted, Patch{Op: OpChange, Path: p, Entry: &e})
		}
	}
	sort.Slice(upserted, func(i, j int) bool {
		return upserted[i].Path < upserted[j].Path
	})

	patches := make([]Patch, 0, len(removed)+len(upserted))
	for i := range removed {
		e := removed[i]
		op := OpUnlink
		if e.IsDir() {
			op = OpRmdir
		}
		patches = append(patches, Patch{Op: op, Path: e.RelativePath, Entry: &e})
	}
	return append(patches, upserted...)
}

func addPatch(e Entry) Patch {
	op := OpCreate
	if e.IsDir() {
		op = OpMkdir
	}
	return Patch{Op: op, Path: e.RelativePath, Entry: &e}
}

// changed compares content checksums when both sides have one, and falls
// back to mtime otherwise. With checksums a touched but unmodified file is
// not a change; without them any mtime difference is.
func changed(old, cur Entry, compareChecksums bool) bool {
	if old.Size != cur.Size || old.Mode != cur.Mode {
		return true
	}
	if compareChecksums && old.Checksum != "" && cur.Checksum != "" {
		return old.Checksum != cur.Checksum
	}
	return !old.MTime.Equal(cur.MTime)
}
