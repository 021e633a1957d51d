// Package progress derives byte and item progress from the sync state
// store. Everything here is read-only.
package progress

import (
	"context"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/models"
)

// Snapshot is the aggregated progress object consumed by the UI and the
// status server.
type Snapshot struct {
	EligibleCount   int   `json:"eligibleCount"`
	SyncedCount     int   `json:"syncedCount"`
	UploadingCount  int   `json:"uploadingCount"`
	PendingCount    int   `json:"pendingCount"`
	DiscoveredCount int   `json:"discoveredCount"`
	PausedCount     int   `json:"pausedCount"`
	FailedCount     int   `json:"failedCount"`
	ErrorCount      int   `json:"errorCount"`
	UploadedBytes   int64 `json:"uploadedBytes"`
	TotalBytes      int64 `json:"totalBytes"`
	Percent         int   `json:"percent"`

	ByStatus map[models.Status]int `json:"byStatus"`
}

// Compute builds a Snapshot from agg. Every row is eligible. Uploaded
// bytes are the full size of SYNCED rows plus the acknowledged offset of
// UPLOADING rows.
func Compute(agg models.Aggregate) Snapshot {
	snap := Snapshot{ByStatus: make(map[models.Status]int, len(models.AllStatuses))}

	for _, st := range models.AllStatuses {
		t := agg.Totals(st)
		snap.ByStatus[st] = t.Count
		snap.EligibleCount += t.Count
		snap.TotalBytes += t.FileSize
	}

	synced := agg.Totals(models.StatusSynced)
	uploading := agg.Totals(models.StatusUploading)

	snap.SyncedCount = synced.Count
	snap.UploadingCount = uploading.Count
	snap.PendingCount = agg.Totals(models.StatusPending).Count
	snap.DiscoveredCount = agg.Totals(models.StatusDiscovered).Count
	snap.PausedCount = agg.Totals(models.StatusPaused).Count + agg.Totals(models.StatusPausedNetwork).Count
	snap.FailedCount = agg.Totals(models.StatusFailed).Count
	snap.ErrorCount = agg.Totals(models.StatusError).Count

	snap.UploadedBytes = synced.FileSize + uploading.KnownOffset
	snap.Percent = percent(snap.UploadedBytes, snap.TotalBytes)

	return snap
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}

	p := done * 100 / total

	return int(min(max(p, 0), 100))
}

// Source is the read side of the state store.
type Source interface {
	Aggregate() (models.Aggregate, error)
}

// Tracker recomputes snapshots from a Source on demand.
type Tracker struct {
	src Source
}

// NewTracker returns a Tracker reading from src.
func NewTracker(src Source) *Tracker {
	return &Tracker{src: src}
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() (Snapshot, error) {
	agg, err := t.src.Aggregate()
	if err != nil {
		return Snapshot{}, err
	}

	return Compute(agg), nil
}

// Watch polls the source every interval and calls fn with the first
// snapshot and then each one that differs from the last delivered. It
// returns when ctx is cancelled or fn returns an error.
func (t *Tracker) Watch(ctx context.Context, interval time.Duration, fn func(Snapshot) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last Snapshot
		sent bool
	)

	for {
		snap, err := t.Snapshot()
		if err == nil && (!sent || !snap.Equal(last)) {
			if err := fn(snap); err != nil {
				return err
			}

			last, sent = snap, true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Equal reports whether two snapshots carry the same figures.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.EligibleCount != o.EligibleCount || s.UploadedBytes != o.UploadedBytes ||
		s.TotalBytes != o.TotalBytes || len(s.ByStatus) != len(o.ByStatus) {
		return false
	}

	for k, v := range s.ByStatus {
		if o.ByStatus[k] != v {
			return false
		}
	}

	return true
}
