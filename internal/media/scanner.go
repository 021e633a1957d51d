package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
)

// Store is the subset of the state store the scanner needs.
// *state.State satisfies this interface.
type Store interface {
	All() ([]models.SyncItem, error)
	InsertIdle(item models.SyncItem) (bool, error)
	DeleteIdle(mediaID string) (bool, error)
	TouchModTime(mediaID string, size int64, hash string, modTime int64) (bool, error)
}

// ScanResult summarises one scan.
type ScanResult struct {
	// Seen is the number of media files found on disk.
	Seen int
	// Added counts files with no row before the scan.
	Added int
	// Changed counts files whose content differs from their row.
	Changed int
	// Removed counts rows deleted because their file is gone.
	Removed int
	// Deferred counts changed or missing files left alone because their
	// row is UPLOADING or moved under the scan.
	Deferred int
}

// Queued reports whether the scan added work to the store.
func (r ScanResult) Queued() bool {
	return r.Added+r.Changed > 0
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// AutoSync inserts new items as PENDING. When false they are inserted
	// as DISCOVERED and wait for an explicit queue.
	AutoSync bool

	// Now is the clock for QueuedAt. Nil uses time.Now.
	Now func() time.Time
}

// Scanner reconciles the store with the media root.
type Scanner struct {
	fsys   fs.FS
	store  Store
	cfg    ScannerConfig
	logger *slog.Logger
}

// NewScanner returns a Scanner over fsys. fsys is normally a *Library.
func NewScanner(fsys fs.FS, store Store, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scanner{fsys: fsys, store: store, cfg: cfg, logger: logger}
}

// Scan walks the media root. New files and files whose size, mtime and
// hash changed are inserted; rows whose file is gone are deleted. Rows
// that are UPLOADING are never touched.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	res, err := s.scan(ctx)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.ResultError).Inc()
		return res, err
	}

	metrics.ScansTotal.WithLabelValues(metrics.ResultOK).Inc()

	s.logger.Info("media scan complete",
		slog.Int("on_disk", res.Seen),
		slog.Int("added", res.Added),
		slog.Int("changed", res.Changed),
		slog.Int("removed", res.Removed),
		slog.Int("deferred", res.Deferred),
	)

	return res, nil
}

func (s *Scanner) scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	items, err := s.store.All()
	if err != nil {
		return res, fmt.Errorf("loading sync items: %w", err)
	}

	known := make(map[string]models.SyncItem, len(items))
	for _, it := range items {
		known[it.MediaID] = it
	}

	seen := make(map[string]bool)

	err = fs.WalkDir(s.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}

			s.logger.Warn("skipping unreadable path", slog.String("path", p), slog.String("error", err.Error()))

			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if p == "." {
			return nil
		}

		// Hidden entries (.thumbnails, .trashed-*, .nomedia) are skipped.
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		// Directories, symlinks and special files.
		if !d.Type().IsRegular() {
			return nil
		}

		if !IsMedia(p) {
			return nil
		}

		id := MediaID(p)
		seen[id] = true
		res.Seen++

		return s.reconcileFile(p, id, d, known, &res)
	})
	if err != nil {
		return res, fmt.Errorf("walking media directory: %w", err)
	}

	for id, it := range known {
		if seen[id] {
			continue
		}

		if it.Status == models.StatusUploading {
			res.Deferred++
			continue
		}

		removed, err := s.store.DeleteIdle(id)
		if err != nil {
			return res, fmt.Errorf("removing %s: %w", id, err)
		}

		if !removed {
			res.Deferred++
			continue
		}

		res.Removed++
	}

	return res, nil
}

func (s *Scanner) reconcileFile(p, id string, d fs.DirEntry, known map[string]models.SyncItem, res *ScanResult) error {
	info, err := d.Info()
	if err != nil {
		s.logger.Warn("stat failed during scan", slog.String("path", id), slog.String("error", err.Error()))
		return nil
	}

	size := info.Size()
	mtime := info.ModTime().UnixMilli()

	prev, exists := known[id]
	if exists && prev.FileSize == size && prev.ModTime == mtime {
		return nil
	}

	if exists && prev.Status == models.StatusUploading {
		res.Deferred++
		return nil
	}

	hash, err := hashFile(s.fsys, p)
	if err != nil {
		s.logger.Warn("hashing media file", slog.String("path", id), slog.String("error", err.Error()))
		return nil
	}

	if exists && prev.ContentHash == hash && prev.FileSize == size {
		// Touched but identical. prev may be stale by now, so only the
		// mtime is written and the row's current status is kept.
		touched, err := s.store.TouchModTime(id, size, hash, mtime)
		if err != nil {
			return fmt.Errorf("updating %s: %w", id, err)
		}

		if !touched {
			res.Deferred++
		}

		return nil
	}

	status := models.StatusPending
	if !s.cfg.AutoSync {
		status = models.StatusDiscovered
	}

	item := models.SyncItem{
		MediaID:     id,
		ContentHash: hash,
		Status:      status,
		FileSize:    size,
		ModTime:     mtime,
		QueuedAt:    s.cfg.Now().UnixMilli(),
	}

	written, err := s.store.InsertIdle(item)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", id, err)
	}

	if !written {
		res.Deferred++
		return nil
	}

	if exists {
		res.Changed++
	} else {
		res.Added++
	}

	return nil
}

// hashFile returns the hex SHA-256 of the file. The server verifies
// uploads against the same digest.
func hashFile(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
