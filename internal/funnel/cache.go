package funnel

import (
	"fmt"
	"path"
	"strings"

	"funnel/internal/tree"
)

// DestinationCache memoizes the output path of every input path it has seen.
// Entries are never evicted, so a rename function whose answer for a given
// path can change must be paired with a call to Invalidate.
type DestinationCache struct {
	destDir string
	rename  func(string) (string, error)
	paths   map[string]string
}

func NewDestinationCache(destDir string, rename func(string) (string, error)) *DestinationCache {
	if isRoot(destDir) {
		destDir = "/"
	}
	return &DestinationCache{
		destDir: destDir,
		rename:  rename,
		paths:   make(map[string]string),
	}
}

// Resolve returns the output relative path for e. DestDir is joined as an
// absolute anchor so that ".." in a path or a rename result cannot climb out
// of the output root. A failed rename is not cached.
func (c *DestinationCache) Resolve(e *tree.Entry) (string, error) {
	if out, ok := c.paths[e.RelativePath]; ok {
		return out, nil
	}

	p := e.RelativePath
	if c.rename != nil && !e.IsDir() {
		renamed, err := c.rename(p)
		if err != nil {
			return "", fmt.Errorf("renaming %s: %w", p, err)
		}
		p = renamed
	}
	out := ensureRelative(path.Join("/", c.destDir, p))
	c.paths[e.RelativePath] = out
	return out, nil
}

func (c *DestinationCache) Invalidate() {
	c.paths = make(map[string]string)
}

func (c *DestinationCache) Len() int {
	return len(c.paths)
}

func ensureRelative(p string) string {
	return strings.TrimPrefix(p, "/")
}

// chompPathSep strips one trailing separator.
func chompPathSep(p string) string {
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`) {
		return p[:len(p)-1]
	}
	return p
}
