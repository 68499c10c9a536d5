package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/config"
	"github.com/mordilloSan/dirindex/metrics"
)

const defaultDebounce = 500 * time.Millisecond

// watcher rebuilds after the public directory has been quiet for the debounce period.
type watcher struct {
	fs       *fsnotify.Watcher
	root     string
	ignore   []string
	debounce time.Duration
	rebuild  func() error
}

func newWatcher(cfg *config.Config, rebuild func() error) (*watcher, error) {
	root, err := filepath.Abs(cfg.PublicDir)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &watcher{
		fs:       fw,
		root:     root,
		debounce: cfg.Serve.Debounce,
		rebuild:  rebuild,
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	// build output inside the public dir must not retrigger builds
	dirs := []string{cfg.OutDir, cfg.CacheDir}
	if cfg.StoreEnabled() {
		dirs = append(dirs, filepath.Dir(cfg.DBPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil && abs != root {
			w.ignore = append(w.ignore, abs)
		}
	}

	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	logger.Infof("Watching %s for changes (debounce %v)", root, w.debounce)
	return w, nil
}

func (w *watcher) Close() error {
	return w.fs.Close()
}

func (w *watcher) ignored(p string) bool {
	for _, dir := range w.ignore {
		if p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addTree watches dir and every directory below it.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			logger.Debugf("watcher: skipping %s: %v", p, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}

// relevant records the event and reports whether it should schedule a rebuild.
func (w *watcher) relevant(ev fsnotify.Event) bool {
	if w.ignored(ev.Name) {
		return false
	}
	metrics.RecordWatcherEvent(opName(ev.Op))
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if ev.Op.Has(fsnotify.Create) {
		// new directories are not watched until added
		if err := w.addTree(ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("watcher: %v", err)
		}
	}
	return true
}

// Run handles events until ctx is done. Builds run on this goroutine; a build that
// finds another one running is retried after the next quiet period.
func (w *watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warnf("watcher: %v", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			err := w.rebuild()
			switch {
			case errors.Is(err, errBuildRunning):
				timer.Reset(w.debounce)
			case err != nil:
				logger.Errorf("Watched build failed: %v", err)
			}
		}
	}
}
