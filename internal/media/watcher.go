package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/ratelimit"
	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks whether
	// pending filesystem events have settled.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherQuietPeriod is how long the tree must be free of events
	// before a rescan starts, so a camera burst produces one scan.
	watcherQuietPeriod = 300 * time.Millisecond
)

// Watcher rescans the media root when files change. Rescans are gated by
// a rate limiter; events arriving inside the limiter window are held and
// picked up once the window passes.
type Watcher struct {
	dir     string
	scanner *Scanner
	gate    *ratelimit.Limiter
	onScan  func(ScanResult)
	logger  *slog.Logger

	debounce time.Duration
	quiet    time.Duration
}

// NewWatcher returns a Watcher over dir. onScan, if non-nil, is called
// after every successful rescan.
func NewWatcher(dir string, scanner *Scanner, gate *ratelimit.Limiter, onScan func(ScanResult), logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		scanner:  scanner,
		gate:     gate,
		onScan:   onScan,
		logger:   logger,
		debounce: watcherDebounceInterval,
		quiet:    watcherQuietPeriod,
	}
}

// Watch blocks until ctx is cancelled. Directories are watched
// recursively; new directories are added as they appear.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching media dir: %w", err)
	}

	w.logger.Info("media watcher started", slog.String("dir", w.dir))

	var (
		dirty     bool
		lastEvent time.Time
	)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				// Lstat so a symlinked directory is never followed out of
				// the media root.
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(watcher, event.Name)
					dirty, lastEvent = true, time.Now()

					continue
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			if IsMedia(event.Name) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				dirty, lastEvent = true, time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty || time.Since(lastEvent) < w.quiet {
				continue
			}

			if w.gate != nil && !w.gate.TryAcquire() {
				continue
			}

			dirty = false
			w.rescan(ctx)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) {
	res, err := w.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("rescan failed", slog.String("error", err.Error()))
		}

		return
	}

	if w.onScan != nil {
		w.onScan(res)
	}
}

// shouldIgnore reports whether path is under a hidden entry.
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return true
	}

	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}

	return false
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			w.logger.Warn("watching directory", slog.String("path", path), slog.String("error", err.Error()))
		}

		return nil
	})
}
