package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the spool directory for dropped envelope files
type Watcher struct {
	rootPath       string
	watcher        *fsnotify.Watcher
	debouncer      *Debouncer
	ignorePatterns []string
	stopCh         chan struct{}
}

// NewWatcher creates a watcher over the spool directory. Paths matching an
// ignore pattern (relative to the root, forward slashes) are never emitted.
func NewWatcher(rootPath string, debounceMs int, ignorePatterns []string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		rootPath:       rootPath,
		watcher:        fsWatcher,
		debouncer:      NewDebouncer(debounceMs),
		ignorePatterns: ignorePatterns,
		stopCh:         make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory and its subdirectories
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("spool watcher started",
		"path", w.rootPath,
		"ignore_patterns", len(w.ignorePatterns))

	return nil
}

// Arrivals returns the channel of debounced file arrivals
func (w *Watcher) Arrivals() <-chan Arrival {
	return w.debouncer.Arrivals()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.watcher.Close()
}

// Flush flushes arrivals still in their quiet period
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// addRecursive adds a directory and all subdirectories to the watcher
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			slog.Warn("error walking spool path", "path", path, "error", err)
			return nil
		}

		relPath, _ := filepath.Rel(w.rootPath, path)
		relPath = filepath.ToSlash(relPath)

		if w.shouldIgnore(relPath) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				slog.Warn("failed to watch spool directory", "path", path, "error", err)
			}
		}

		return nil
	})
}

// processEvents handles fsnotify events
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			relPath, err := filepath.Rel(w.rootPath, event.Name)
			if err != nil {
				continue
			}
			relPath = filepath.ToSlash(relPath)

			if w.shouldIgnore(relPath) {
				continue
			}

			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("spool watcher error", "error", err)
		}
	}
}

// handleEvent maps a single fsnotify event onto the debouncer. Only
// envelope files matter: a create or write is activity, a remove or rename
// means the file is gone (usually because ingestion consumed it).
func (w *Watcher) handleEvent(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		if statErr == nil && info.IsDir() {
			// New subdirectory: watch it, but directories never arrive
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("failed to watch new spool directory", "path", event.Name, "error", err)
			}
			return
		}
		if isEnvelopeFile(event.Name) {
			w.debouncer.Touch(event.Name)
		}

	case event.Has(fsnotify.Write):
		if statErr == nil && info.IsDir() {
			return
		}
		if isEnvelopeFile(event.Name) {
			w.debouncer.Touch(event.Name)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.debouncer.Forget(event.Name)

	case event.Has(fsnotify.Chmod):
		// Ignore chmod events
	}
}

// shouldIgnore checks if a path matches any ignore pattern
func (w *Watcher) shouldIgnore(relPath string) bool {
	for _, pattern := range w.ignorePatterns {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}

		// Also check parent directories
		parts := strings.Split(relPath, "/")
		for i := 1; i <= len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, _ := doublestar.Match(pattern, partial); matched {
				return true
			}
		}
	}
	return false
}

// isEnvelopeFile reports whether a spool file looks like an envelope.
// Writers drop .json files; anything else (tmp files, editor droppings) is
// left alone.
func isEnvelopeFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
