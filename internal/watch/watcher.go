// Package watch rebuilds when an input tree changes.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"funnel/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Options struct {
	Roots []string

	// IgnorePaths are absolute paths whose events never trigger a rebuild,
	// typically outputs and the state dir.
	IgnorePaths []string

	Debounce time.Duration
	Rebuild  func() error
	Logger   *zap.Logger
}

// Watcher runs Rebuild once the watched trees have been quiet for the
// debounce period. Rebuilds never overlap.
type Watcher struct {
	watcher     *fsnotify.Watcher
	roots       []string
	ignoreDirs  map[string]bool
	ignorePaths []string
	debounce    time.Duration
	rebuild     func() error
	logger      *zap.Logger
}

func New(opts Options) (*Watcher, error) {
	if opts.Rebuild == nil {
		return nil, fmt.Errorf("rebuild callback cannot be nil")
	}
	if len(opts.Roots) == 0 {
		return nil, fmt.Errorf("nothing to watch")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		watcher: fw,
		roots:   opts.Roots,
		ignoreDirs: map[string]bool{
			".git": true,
			".hg":  true,
			".svn": true,
		},
		debounce: opts.Debounce,
		rebuild:  opts.Rebuild,
		logger:   opts.Logger,
	}
	for _, p := range opts.IgnorePaths {
		w.ignorePaths = append(w.ignorePaths, filepath.Clean(p))
	}

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addRecursive adds dir and every directory below it. A missing root is
// skipped; it is picked up if a parent being watched reports it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ShouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

// ShouldIgnore reports whether events for path are dropped.
func (w *Watcher) ShouldIgnore(path string) bool {
	path = filepath.Clean(path)
	for _, p := range w.ignorePaths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}

	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if w.ignoreDirs[part] {
			return true
		}
	}
	return false
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.handleFSEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.runRebuild()
		}
	}
}

// handleFSEvent reports whether event should trigger a rebuild.
func (w *Watcher) handleFSEvent(event fsnotify.Event) bool {
	if w.ShouldIgnore(event.Name) {
		return false
	}
	if event.Op == fsnotify.Chmod {
		return false
	}

	metrics.RecordWatchEvent()
	w.logger.Debug("change detected", zap.String("path", event.Name), zap.String("op", event.Op.String()))

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
	}
	return true
}

func (w *Watcher) runRebuild() {
	start := time.Now()
	err := w.rebuild()
	metrics.RecordRebuild(err == nil)
	if err != nil {
		w.logger.Error("Rebuild failed", zap.Error(err))
		return
	}
	w.logger.Info("Rebuilt", zap.Duration("in", time.Since(start)))
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
