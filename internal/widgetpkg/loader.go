package widgetpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceDelay coalesces bursts of write events for one file.
const debounceDelay = 100 * time.Millisecond

// Loader imports package files from a directory and, once watching, imports
// files as they are created or rewritten.
type Loader struct {
	importer *Importer
	dir      string
	logger   zerolog.Logger

	watcher    *fsnotify.Watcher
	imported   map[string]string // path -> slug
	mu         sync.RWMutex
	closed     bool
	debounce   map[string]*time.Timer
	debounceMu sync.Mutex
	onImport   func(*ImportResult)
}

// NewLoader creates a loader for dir.
func NewLoader(importer *Importer, dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		importer: importer,
		dir:      dir,
		logger:   logger,
		imported: make(map[string]string),
		debounce: make(map[string]*time.Timer),
	}
}

// OnImport registers fn to be called after each successful import.
func (l *Loader) OnImport(fn func(*ImportResult)) {
	l.mu.Lock()
	l.onImport = fn
	l.mu.Unlock()
}

// Load imports every package file currently in the directory. Invalid files
// are logged and skipped.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		l.logger.Debug().Str("dir", l.dir).Msg("packages directory does not exist")
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read packages directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExt) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.importLocked(path); err != nil {
			l.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to import widget package")
		}
	}

	l.logger.Info().Int("count", len(l.imported)).Msg("loaded widget packages")
	return nil
}

func (l *Loader) importLocked(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	res, err := l.importer.ImportString(string(data), true)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		l.logger.Debug().Str("path", path).Str("warning", w).Msg("widget package warning")
	}

	l.imported[path] = res.Definition.Slug
	l.logger.Debug().Str("slug", res.Definition.Slug).Str("path", path).Bool("replaced", res.Replaced).Msg("imported widget package")
	if l.onImport != nil {
		l.onImport(res)
	}
	return nil
}

// Watch starts watching the directory for new or changed package files.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("loader is closed")
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create packages directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	l.watcher = watcher
	go l.watchLoop(watcher)

	l.logger.Info().Str("dir", l.dir).Msg("watching widget packages directory")
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, FileExt) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.debouncedImport(event.Name)
			}
			if event.Op&fsnotify.Remove != 0 {
				l.mu.Lock()
				delete(l.imported, event.Name)
				l.mu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (l *Loader) debouncedImport(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if timer, ok := l.debounce[path]; ok {
		timer.Stop()
	}
	l.debounce[path] = time.AfterFunc(debounceDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}
		if err := l.importLocked(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to import widget package")
		} else {
			l.logger.Info().Str("path", path).Msg("imported widget package")
		}
	})
}

// Imported returns the slugs imported from files, keyed by path.
func (l *Loader) Imported() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]string, len(l.imported))
	for k, v := range l.imported {
		out[k] = v
	}
	return out
}

// Close stops watching. Imported definitions stay in storage.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.watcher != nil {
		l.watcher.Close()
	}

	l.debounceMu.Lock()
	for _, timer := range l.debounce {
		timer.Stop()
	}
	l.debounceMu.Unlock()
	return nil
}
