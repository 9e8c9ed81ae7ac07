package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Invalidator is the part of Catalog the background reloaders need.
type Invalidator interface {
	invalidate(ctx context.Context, trigger string) (uint64, error)
	Root() string
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Catalog *Catalog
	// Stability is how long the tree must be quiet before a reload.
	Stability time.Duration
	Logger    zerolog.Logger
}

// Watcher reloads the catalog when definition files under its root change.
// Bursts of events collapse into one reload after the tree has been quiet
// for the stability window.
type Watcher struct {
	catalog   Invalidator
	root      string
	stability time.Duration
	logger    zerolog.Logger

	fs       *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	reloads int
}

// NewWatcher creates a watcher. Call Start to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("watcher requires a catalog")
	}
	return newWatcher(cfg.Catalog, cfg.Stability, cfg.Logger)
}

func newWatcher(inv Invalidator, stability time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if stability <= 0 {
		stability = 100 * time.Millisecond
	}
	return &Watcher{
		catalog:   inv,
		root:      inv.Root(),
		stability: stability,
		logger:    logger,
		fs:        fw,
		done:      make(chan struct{}),
	}, nil
}

// Start watches the root and every non-hidden subdirectory.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch catalog root: %w", err)
	}

	w.wg.Add(1)
	go w.loop()

	w.logger.Info().Str("root", w.root).Dur("stability", w.stability).Msg("Catalog watcher started")
	return nil
}

// Stop stops watching and cancels any pending reload.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()

		err = w.fs.Close()
		w.wg.Wait()
		w.logger.Info().Msg("Catalog watcher stopped")
	})
	return err
}

// Reloads counts reloads triggered so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Catalog watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	// New directories are not watched recursively by fsnotify.
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if err := w.addRecursive(ev.Name); err == nil {
			w.schedule()
			return
		}
	}

	if !IsDefinitionFile(ev.Name) && ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stability, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}

	w.mu.Lock()
	w.timer = nil
	w.reloads++
	w.mu.Unlock()

	if _, err := w.catalog.invalidate(context.Background(), TriggerWatch); err != nil {
		w.logger.Warn().Err(err).Msg("Catalog reload after file change failed")
	}
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	return isHidden(rel)
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if p == path {
				return fmt.Errorf("%s is not a directory", p)
			}
			return nil
		}
		if p != w.root && w.ignored(p) {
			return fs.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch path")
		}
		return nil
	})
}
