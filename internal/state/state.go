package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.photo-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// queueKeyPrefixLen is the width of the big-endian queuedAt prefix in
	// pending index keys.
	queueKeyPrefixLen = 8
)

var (
	appBucket     = []byte("app")
	itemsBucket   = []byte("items")
	pendingBucket = []byte("pending")

	deviceIDKey = []byte("device_id")
	pairingKey  = []byte("pairing")
)

// State wraps a bbolt database for all persistent application state.
//
// Every mutating method runs in a single bbolt read-write transaction.
// bbolt serialises writers, so each mutation is atomic with respect to
// every other one and readers only ever see committed states.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database at ~/.photo-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, itemsBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// DefaultPath returns ~/.photo-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".photo-sync", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the persisted device identifier, or empty string.
func (s *State) DeviceID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(deviceIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetDeviceID persists the device identifier.
func (s *State) SetDeviceID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceIDKey, []byte(id))
	})
}

// Pairing returns the ServerPairing record, or nil when none is stored.
func (s *State) Pairing() (*models.ServerPairing, error) {
	var p *models.ServerPairing

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(pairingKey)
		if v == nil {
			return nil
		}

		p = &models.ServerPairing{}

		return json.Unmarshal(v, p)
	})

	return p, err
}

// SetPairing overwrites the ServerPairing record.
func (s *State) SetPairing(p models.ServerPairing) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(pairingKey, data)
	})
}

// ClearPairing removes the ServerPairing record.
func (s *State) ClearPairing() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(pairingKey)
	})
}

// Insert upserts item by MediaID, replacing any existing row entirely.
// A zero Status defaults to PENDING and a zero QueuedAt to now.
func (s *State) Insert(item models.SyncItem) error {
	_, err := s.insert(item, false)
	return err
}

// InsertIdle is Insert except that an existing UPLOADING row is left
// alone. It reports whether the row was written.
func (s *State) InsertIdle(item models.SyncItem) (bool, error) {
	return s.insert(item, true)
}

func (s *State) insert(item models.SyncItem, skipUploading bool) (bool, error) {
	if item.MediaID == "" {
		return false, fmt.Errorf("inserting sync item: empty media id")
	}

	if item.Status == "" {
		item.Status = models.StatusPending
	}

	if !item.Status.Valid() {
		return false, fmt.Errorf("inserting %s: unknown status %q", item.MediaID, item.Status)
	}

	if item.LastKnownOffset < 0 || item.LastKnownOffset > item.FileSize {
		return false, fmt.Errorf("inserting %s: offset %d outside file size %d", item.MediaID, item.LastKnownOffset, item.FileSize)
	}

	now := s.now().UnixMilli()
	if item.QueuedAt == 0 {
		item.QueuedAt = now
	}

	if item.LastUpdated == 0 {
		item.LastUpdated = now
	}

	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getItem(tx, item.MediaID)
		if err != nil {
			return err
		}

		if skipUploading && prev != nil && prev.Status == models.StatusUploading {
			return nil
		}

		written = true

		return putItem(tx, prev, item)
	})

	return written, err
}

// Get returns the row for mediaID, or nil if not found.
func (s *State) Get(mediaID string) (*models.SyncItem, error) {
	var item *models.SyncItem

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, mediaID)

		return err
	})

	return item, err
}

// All returns every row ordered by MediaID.
func (s *State) All() ([]models.SyncItem, error) {
	var items []models.SyncItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var item models.SyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding item %s: %w", k, err)
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// Delete removes the row for mediaID. Deleting a missing row is a no-op.
func (s *State) Delete(mediaID string) error {
	_, err := s.delete(mediaID, false)
	return err
}

// DeleteIdle is Delete except that an UPLOADING row is left alone. It
// reports whether a row was removed.
func (s *State) DeleteIdle(mediaID string) (bool, error) {
	return s.delete(mediaID, true)
}

func (s *State) delete(mediaID string, skipUploading bool) (bool, error) {
	removed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getItem(tx, mediaID)
		if err != nil || prev == nil {
			return err
		}

		if skipUploading && prev.Status == models.StatusUploading {
			return nil
		}

		removed = true

		if prev.Status == models.StatusPending {
			if err := tx.Bucket(pendingBucket).Delete(queueKey(*prev)); err != nil {
				return err
			}
		}

		return tx.Bucket(itemsBucket).Delete([]byte(mediaID))
	})

	return removed, err
}

// TouchModTime records a new modification time for a file whose content
// is unchanged. Only ModTime is written, and only while the row still has
// the given size and hash and is not UPLOADING. It reports whether the
// row was updated.
func (s *State) TouchModTime(mediaID string, size int64, hash string, modTime int64) (bool, error) {
	touched := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getItem(tx, mediaID)
		if err != nil || prev == nil {
			return err
		}

		if prev.Status == models.StatusUploading || prev.FileSize != size || prev.ContentHash != hash {
			return nil
		}

		if prev.ModTime == modTime {
			touched = true
			return nil
		}

		next := *prev
		next.ModTime = modTime
		touched = true

		return putItem(tx, prev, next)
	})

	return touched, err
}

// ClaimNextPending moves up to maxItems PENDING rows to UPLOADING and
// returns them, oldest queue entry first with ties broken by MediaID.
// The selection and the transitions happen in one write transaction, so
// concurrent callers never receive the same row.
func (s *State) ClaimNextPending(maxItems int) ([]models.SyncItem, error) {
	if maxItems <= 0 {
		return nil, nil
	}

	now := s.now().UnixMilli()

	var claimed []models.SyncItem

	err := s.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte

		c := tx.Bucket(pendingBucket).Cursor()
		for k, _ := c.First(); k != nil && len(keys) < maxItems; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, key := range keys {
			prev, err := getItem(tx, string(key[queueKeyPrefixLen:]))
			if err != nil {
				return err
			}

			if prev == nil || prev.Status != models.StatusPending {
				// Stale index entry; drop it rather than claim.
				if err := tx.Bucket(pendingBucket).Delete(key); err != nil {
					return err
				}

				continue
			}

			next := *prev
			next.Status = models.StatusUploading
			next.LastUpdated = now
			next.LastAttemptTimestamp = now

			if err := putItem(tx, prev, next); err != nil {
				return err
			}

			claimed = append(claimed, next)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// RecordSuccess marks mediaID SYNCED, resets its retry count and sets the
// offset to the full file size.
func (s *State) RecordSuccess(mediaID string, timestamp int64) error {
	return s.update(mediaID, func(item *models.SyncItem) error {
		if err := checkTransition(*item, models.StatusSynced); err != nil {
			return err
		}

		item.Status = models.StatusSynced
		item.RetryCount = 0
		item.FailureReason = ""
		item.LastKnownOffset = item.FileSize
		item.LastUpdated = timestamp

		return nil
	})
}

// RecordError increments the retry count, stores reason and timestamp,
// and moves the UPLOADING row mediaID to next. The caller picks next from
// the error classification: PENDING or ERROR for retryable failures,
// FAILED for fatal ones.
func (s *State) RecordError(mediaID string, timestamp int64, reason string, next models.Status) error {
	if next != models.StatusPending && next != models.StatusError && next != models.StatusFailed {
		return fmt.Errorf("%w: error cannot move item to %s", errors.ErrInvalidTransition, next)
	}

	return s.update(mediaID, func(item *models.SyncItem) error {
		if item.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", errors.ErrInvalidTransition, item.MediaID, item.Status)
		}

		if !models.CanTransition(item.Status, next) {
			return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, item.Status, next)
		}

		if next == models.StatusPending {
			item.QueuedAt = timestamp
		}

		item.Status = next
		item.RetryCount++
		item.FailureReason = reason
		item.LastAttemptTimestamp = timestamp
		item.LastUpdated = timestamp

		return nil
	})
}

// ResetRetryStatus zeroes the retry count and sets status in one
// transaction. It is the explicit user reset, so any source state is
// accepted, but the target may not be UPLOADING.
func (s *State) ResetRetryStatus(mediaID string, timestamp int64, status models.Status) error {
	if !status.Valid() || status == models.StatusUploading {
		return fmt.Errorf("%w: reset cannot target %q", errors.ErrInvalidTransition, status)
	}

	return s.update(mediaID, func(item *models.SyncItem) error {
		if status == models.StatusPending && item.Status != models.StatusPending {
			item.QueuedAt = timestamp
		}

		item.Status = status
		item.RetryCount = 0
		item.FailureReason = ""
		item.LastAttemptTimestamp = timestamp
		item.LastUpdated = timestamp

		return nil
	})
}

// UpdateUploadProgress stores the server-acknowledged offset and upload
// id for mediaID. The offset is clamped to [0, FileSize].
func (s *State) UpdateUploadProgress(mediaID string, offset int64, uploadID string) error {
	return s.update(mediaID, func(item *models.SyncItem) error {
		item.LastKnownOffset = min(max(offset, 0), item.FileSize)
		if uploadID != "" {
			item.UploadID = uploadID
		}

		item.LastUpdated = s.now().UnixMilli()

		return nil
	})
}

// PauseAllUploading moves every UPLOADING row to status (PAUSED or
// PAUSED_NETWORK) with reason, returning how many rows changed.
func (s *State) PauseAllUploading(status models.Status, reason string) (int, error) {
	if !status.Paused() {
		return 0, fmt.Errorf("%w: pause cannot target %s", errors.ErrInvalidTransition, status)
	}

	now := s.now().UnixMilli()

	return s.updateWhere(func(item models.SyncItem) bool {
		return item.Status == models.StatusUploading
	}, func(item *models.SyncItem) {
		item.Status = status
		item.FailureReason = reason
		item.LastUpdated = now
	})
}

// ResumePaused moves paused rows back to PENDING, keeping their queue
// position. With no arguments both paused variants are resumed.
func (s *State) ResumePaused(statuses ...models.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusPaused, models.StatusPausedNetwork}
	}

	now := s.now().UnixMilli()

	return s.updateWhere(func(item models.SyncItem) bool {
		for _, st := range statuses {
			if item.Status == st && st.Paused() {
				return true
			}
		}

		return false
	}, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.LastUpdated = now
	})
}

// RecoverStale moves rows left UPLOADING by a crashed process back to
// PENDING. It must run before claiming resumes after a restart.
func (s *State) RecoverStale() (int, error) {
	now := s.now().UnixMilli()

	return s.updateWhere(func(item models.SyncItem) bool {
		return item.Status == models.StatusUploading
	}, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.FailureReason = "recovered after restart"
		item.LastUpdated = now
	})
}

// RequeueErrored moves ERROR rows back to PENDING once their backoff,
// computed from the retry count, has elapsed since the last attempt.
func (s *State) RequeueErrored(now time.Time, backoff func(retryCount int) time.Duration) (int, error) {
	nowMs := now.UnixMilli()

	return s.updateWhere(func(item models.SyncItem) bool {
		if item.Status != models.StatusError {
			return false
		}

		ready := time.UnixMilli(item.LastAttemptTimestamp).Add(backoff(item.RetryCount))

		return !now.Before(ready)
	}, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.QueuedAt = nowMs
		item.LastUpdated = nowMs
	})
}

// QueueAllDiscovered moves every DISCOVERED row to PENDING.
func (s *State) QueueAllDiscovered(timestamp int64) (int, error) {
	return s.updateWhere(func(item models.SyncItem) bool {
		return item.Status == models.StatusDiscovered
	}, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.QueuedAt = timestamp
		item.LastUpdated = timestamp
	})
}

// ResetFailed moves every FAILED row back to PENDING with a zero retry
// count.
func (s *State) ResetFailed(timestamp int64) (int, error) {
	return s.updateWhere(func(item models.SyncItem) bool {
		return item.Status == models.StatusFailed
	}, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.RetryCount = 0
		item.FailureReason = ""
		item.QueuedAt = timestamp
		item.LastUpdated = timestamp
	})
}

// MarkSyncedByHashes marks rows whose content the server already holds as
// SYNCED. UPLOADING and terminal rows are left alone.
func (s *State) MarkSyncedByHashes(hashes []string, timestamp int64) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}

	return s.updateWhere(func(item models.SyncItem) bool {
		if _, ok := set[item.ContentHash]; !ok {
			return false
		}

		return item.Status == models.StatusPending ||
			item.Status == models.StatusDiscovered ||
			item.Status == models.StatusError
	}, func(item *models.SyncItem) {
		item.Status = models.StatusSynced
		item.RetryCount = 0
		item.FailureReason = ""
		item.LastKnownOffset = item.FileSize
		item.LastUpdated = timestamp
	})
}

// Aggregate returns per-status counts with summed FileSize and
// LastKnownOffset, read in a single transaction.
func (s *State) Aggregate() (models.Aggregate, error) {
	agg := models.Aggregate{ByStatus: make(map[models.Status]models.StatusTotals)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var item models.SyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding item %s: %w", k, err)
			}

			t := agg.ByStatus[item.Status]
			t.Count++
			t.FileSize += item.FileSize
			t.KnownOffset += item.LastKnownOffset
			agg.ByStatus[item.Status] = t

			return nil
		})
	})

	return agg, err
}

// update applies fn to the row for mediaID inside one write transaction.
func (s *State) update(mediaID string, fn func(item *models.SyncItem) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getItem(tx, mediaID)
		if err != nil {
			return err
		}

		if prev == nil {
			return fmt.Errorf("%w: %s", errors.ErrItemNotFound, mediaID)
		}

		next := *prev
		if err := fn(&next); err != nil {
			return err
		}

		return putItem(tx, prev, next)
	})
}

// updateWhere applies fn to every row matching match inside one write
// transaction and returns the number of rows changed.
func (s *State) updateWhere(match func(models.SyncItem) bool, fn func(item *models.SyncItem)) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var matched []models.SyncItem

		err := tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var item models.SyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding item %s: %w", k, err)
			}

			if match(item) {
				matched = append(matched, item)
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Writes happen after iteration; bbolt cursors are invalidated
		// by Put on the same bucket.
		for i := range matched {
			prev := matched[i]
			next := prev
			fn(&next)

			if err := putItem(tx, &prev, next); err != nil {
				return err
			}
		}

		count = len(matched)

		return nil
	})

	return count, err
}

func checkTransition(item models.SyncItem, to models.Status) error {
	if !models.CanTransition(item.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", errors.ErrInvalidTransition, item.MediaID, item.Status, to)
	}

	return nil
}

func getItem(tx *bolt.Tx, mediaID string) (*models.SyncItem, error) {
	v := tx.Bucket(itemsBucket).Get([]byte(mediaID))
	if v == nil {
		return nil, nil
	}

	item := &models.SyncItem{}
	if err := json.Unmarshal(v, item); err != nil {
		return nil, fmt.Errorf("decoding item %s: %w", mediaID, err)
	}

	return item, nil
}

// putItem writes next and keeps the pending queue index in step with the
// status change from prev (nil for a new row).
func putItem(tx *bolt.Tx, prev *models.SyncItem, next models.SyncItem) error {
	pending := tx.Bucket(pendingBucket)

	if prev != nil && prev.Status == models.StatusPending {
		if err := pending.Delete(queueKey(*prev)); err != nil {
			return err
		}
	}

	if next.Status == models.StatusPending {
		if err := pending.Put(queueKey(next), nil); err != nil {
			return err
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	return tx.Bucket(itemsBucket).Put([]byte(next.MediaID), data)
}

// queueKey orders the pending index by QueuedAt, then MediaID.
func queueKey(item models.SyncItem) []byte {
	return queueKeyFor(item.QueuedAt, item.MediaID)
}

func queueKeyFor(queuedAt int64, mediaID string) []byte {
	var buf bytes.Buffer

	buf.Grow(queueKeyPrefixLen + len(mediaID))
	// Flipping the sign bit keeps negative timestamps ordered before
	// positive ones under byte comparison.
	_ = binary.Write(&buf, binary.BigEndian, uint64(queuedAt)^(1<<63))
	buf.WriteString(mediaID)

	return buf.Bytes()
}
