package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingItem(id string, size int64, queuedAt int64) models.SyncItem {
	return models.SyncItem{
		MediaID:     id,
		ContentHash: "hash-" + id,
		Status:      models.StatusPending,
		FileSize:    size,
		QueuedAt:    queuedAt,
	}
}

func mustGet(t *testing.T, s *State, id string) models.SyncItem {
	t.Helper()
	item, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, item, "item %s not found", id)
	return *item
}

func ids(items []models.SyncItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.MediaID)
	}
	return out
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetDeviceID("device-1"))
	require.NoError(t, s1.Insert(pendingItem("a.jpg", 10, 1)))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "device-1", s2.DeviceID())
	assert.Equal(t, models.StatusPending, mustGet(t, s2, "a.jpg").Status)
}

// --- Pairing ---

func TestPairing_NilByDefault(t *testing.T) {
	s := testDB(t)
	p, err := s.Pairing()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPairing_RoundTripOverwriteClear(t *testing.T) {
	s := testDB(t)

	first := models.ServerPairing{ServerIP: "10.0.0.2", ServerPort: 50505, DeviceID: "d", IsPaired: true, LastConnected: 5}
	require.NoError(t, s.SetPairing(first))

	p, err := s.Pairing()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, first, *p)

	second := first
	second.ServerIP = "10.0.0.3"
	require.NoError(t, s.SetPairing(second))

	p, err = s.Pairing()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", p.ServerIP)

	require.NoError(t, s.ClearPairing())
	p, err = s.Pairing()
	require.NoError(t, err)
	assert.Nil(t, p)
}

// --- Insert ---

func TestInsert_DefaultsStatusAndTimestamps(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "x.jpg", FileSize: 3}))

	item := mustGet(t, s, "x.jpg")
	assert.Equal(t, models.StatusPending, item.Status)
	assert.NotZero(t, item.QueuedAt)
	assert.NotZero(t, item.LastUpdated)
}

func TestInsert_ReplacesExistingRow(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))

	replacement := models.SyncItem{MediaID: "a.jpg", ContentHash: "new", Status: models.StatusSynced, FileSize: 20, LastKnownOffset: 20}
	require.NoError(t, s.Insert(replacement))

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, "new", item.ContentHash)
	assert.Equal(t, models.StatusSynced, item.Status)

	// The replaced PENDING row must no longer be claimable.
	claimed, err := s.ClaimNextPending(10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestInsert_Rejects(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.Insert(models.SyncItem{}))
	assert.Error(t, s.Insert(models.SyncItem{MediaID: "a", Status: "BOGUS"}))
	assert.Error(t, s.Insert(models.SyncItem{MediaID: "a", FileSize: 5, LastKnownOffset: 6}))
}

func TestDelete_RemovesRowAndQueueEntry(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))
	require.NoError(t, s.Delete("a.jpg"))
	require.NoError(t, s.Delete("missing.jpg"))

	item, err := s.Get("a.jpg")
	require.NoError(t, err)
	assert.Nil(t, item)

	claimed, err := s.ClaimNextPending(10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestInsertIdle_SkipsUploadingRow(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))

	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)

	replacement := pendingItem("a.jpg", 20, 2)

	written, err := s.InsertIdle(replacement)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, int64(10), mustGet(t, s, "a.jpg").FileSize)

	require.NoError(t, s.RecordSuccess("a.jpg", 3))

	written, err = s.InsertIdle(replacement)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, int64(20), mustGet(t, s, "a.jpg").FileSize)
}

func TestDeleteIdle_SkipsUploadingRow(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))
	require.NoError(t, s.Insert(pendingItem("b.jpg", 10, 2)))

	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)

	removed, err := s.DeleteIdle("a.jpg")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, models.StatusUploading, mustGet(t, s, "a.jpg").Status)

	removed, err = s.DeleteIdle("b.jpg")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteIdle("missing.jpg")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTouchModTime(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))
	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	require.NoError(t, s.RecordError("a.jpg", 5, "busy", models.StatusError))

	touched, err := s.TouchModTime("a.jpg", 10, "hash-a.jpg", 77)
	require.NoError(t, err)
	assert.True(t, touched)

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, int64(77), item.ModTime)
	assert.Equal(t, models.StatusError, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "busy", item.FailureReason)
}

func TestTouchModTime_SkipsMismatchAndUploading(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 10, 1)))
	require.NoError(t, s.Insert(pendingItem("b.jpg", 10, 2)))

	touched, err := s.TouchModTime("a.jpg", 10, "other-hash", 77)
	require.NoError(t, err)
	assert.False(t, touched)

	touched, err = s.TouchModTime("a.jpg", 11, "hash-a.jpg", 77)
	require.NoError(t, err)
	assert.False(t, touched)

	touched, err = s.TouchModTime("missing.jpg", 10, "hash-missing.jpg", 77)
	require.NoError(t, err)
	assert.False(t, touched)

	_, err = s.ClaimNextPending(1)
	require.NoError(t, err)

	touched, err = s.TouchModTime("a.jpg", 10, "hash-a.jpg", 77)
	require.NoError(t, err)
	assert.False(t, touched)
	assert.Zero(t, mustGet(t, s, "a.jpg").ModTime)

	// The pending index is untouched, so b.jpg is still claimable.
	touched, err = s.TouchModTime("b.jpg", 10, "hash-b.jpg", 77)
	require.NoError(t, err)
	assert.True(t, touched)

	claimed, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg"}, ids(claimed))
}

// --- ClaimNextPending ---

func TestClaimNextPending_OrderByQueueThenMediaID(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("c.jpg", 1, 200)))
	require.NoError(t, s.Insert(pendingItem("b.jpg", 1, 100)))
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 100)))
	require.NoError(t, s.Insert(pendingItem("d.jpg", 1, 50)))

	claimed, err := s.ClaimNextPending(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"d.jpg", "a.jpg", "b.jpg"}, ids(claimed))

	for _, it := range claimed {
		assert.Equal(t, models.StatusUploading, it.Status)
		assert.Equal(t, models.StatusUploading, mustGet(t, s, it.MediaID).Status)
	}

	rest, err := s.ClaimNextPending(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.jpg"}, ids(rest))
}

func TestClaimNextPending_ClaimedOnlyOnceUntilPending(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))

	first, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.RecordError("a.jpg", 10, "timeout", models.StatusPending))

	third, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, ids(third))
}

func TestClaimNextPending_SkipsNonPending(t *testing.T) {
	s := testDB(t)
	for _, st := range []models.Status{models.StatusDiscovered, models.StatusSynced, models.StatusFailed, models.StatusPaused, models.StatusError} {
		require.NoError(t, s.Insert(models.SyncItem{MediaID: string(st), Status: st, FileSize: 1}))
	}

	claimed, err := s.ClaimNextPending(10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimNextPending_ZeroMax(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))

	claimed, err := s.ClaimNextPending(0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimNextPending_ConcurrentClaimantsNeverOverlap(t *testing.T) {
	s := testDB(t)
	const total = 60
	for i := range total {
		require.NoError(t, s.Insert(pendingItem(fmt.Sprintf("img-%03d.jpg", i), 1, int64(i+1))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)

	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimNextPending(4)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, it := range claimed {
					seen[it.MediaID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "%s claimed %d times", id, n)
	}
}

// --- RecordSuccess / RecordError / ResetRetryStatus ---

func TestRecordSuccess_ResetsRetryCount(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 100, 1)))
	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	require.NoError(t, s.RecordError("a.jpg", 5, "reset by peer", models.StatusPending))
	_, err = s.ClaimNextPending(1)
	require.NoError(t, err)

	require.NoError(t, s.RecordSuccess("a.jpg", 9))

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, models.StatusSynced, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, int64(100), item.LastKnownOffset)
	assert.Empty(t, item.FailureReason)
	assert.Equal(t, int64(9), item.LastUpdated)
}

func TestRecordSuccess_RejectsInvalidTransition(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", Status: models.StatusPaused}))

	err := s.RecordSuccess("a.jpg", 1)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestRecordSuccess_NotFound(t *testing.T) {
	s := testDB(t)
	assert.ErrorIs(t, s.RecordSuccess("ghost.jpg", 1), errors.ErrItemNotFound)
}

func TestRecordError_MonotonicRetryCount(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))

	for i := 1; i <= 5; i++ {
		_, err := s.ClaimNextPending(1)
		require.NoError(t, err)
		require.NoError(t, s.RecordError("a.jpg", int64(i), fmt.Sprintf("reason %d", i), models.StatusPending))
		item := mustGet(t, s, "a.jpg")
		assert.Equal(t, i, item.RetryCount)
	}

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, "reason 5", item.FailureReason)
	assert.Equal(t, int64(5), item.LastAttemptTimestamp)
}

func TestRecordError_FatalIsTerminal(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)

	require.NoError(t, s.RecordError("a.jpg", 2, "file missing", models.StatusFailed))
	assert.Equal(t, models.StatusFailed, mustGet(t, s, "a.jpg").Status)

	err = s.RecordError("a.jpg", 3, "again", models.StatusPending)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, 1, mustGet(t, s, "a.jpg").RetryCount)
}

func TestRecordError_RejectsNonErrorTarget(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	assert.ErrorIs(t, s.RecordError("a.jpg", 1, "x", models.StatusSynced), errors.ErrInvalidTransition)
}

func TestRecordError_RetryGoesToBackOfQueue(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	require.NoError(t, s.Insert(pendingItem("b.jpg", 1, 2)))

	claimed, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	require.Equal(t, []string{"a.jpg"}, ids(claimed))

	require.NoError(t, s.RecordError("a.jpg", 1000, "timeout", models.StatusPending))

	next, err := s.ClaimNextPending(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg", "a.jpg"}, ids(next))
}

func TestRecordError_RequiresUploading(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))

	for _, next := range []models.Status{models.StatusError, models.StatusFailed} {
		err := s.RecordError("a.jpg", 2, "x", next)
		assert.ErrorIs(t, err, errors.ErrInvalidTransition, "PENDING -> %s", next)
	}

	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	require.NoError(t, s.RecordError("a.jpg", 3, "busy", models.StatusError))

	err = s.RecordError("a.jpg", 4, "again", models.StatusError)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, models.StatusError, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "busy", item.FailureReason)
}

func TestResetRetryStatus(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	_, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	require.NoError(t, s.RecordError("a.jpg", 2, "x", models.StatusFailed))

	require.NoError(t, s.ResetRetryStatus("a.jpg", 7, models.StatusPending))

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, int64(7), item.LastAttemptTimestamp)

	claimed, err := s.ClaimNextPending(1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestResetRetryStatus_RejectsUploading(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	assert.ErrorIs(t, s.ResetRetryStatus("a.jpg", 1, models.StatusUploading), errors.ErrInvalidTransition)
}

// --- Progress / pause / resume ---

func TestUpdateUploadProgress_ClampsOffset(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 100, 1)))

	require.NoError(t, s.UpdateUploadProgress("a.jpg", 40, "up-1"))
	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, int64(40), item.LastKnownOffset)
	assert.Equal(t, "up-1", item.UploadID)

	require.NoError(t, s.UpdateUploadProgress("a.jpg", 500, ""))
	item = mustGet(t, s, "a.jpg")
	assert.Equal(t, int64(100), item.LastKnownOffset)
	assert.Equal(t, "up-1", item.UploadID)
}

func TestPauseAllUploading_AndResume(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(pendingItem("a.jpg", 1, 1)))
	require.NoError(t, s.Insert(pendingItem("b.jpg", 1, 2)))
	require.NoError(t, s.Insert(pendingItem("c.jpg", 1, 3)))

	_, err := s.ClaimNextPending(2)
	require.NoError(t, err)

	n, err := s.PauseAllUploading(models.StatusPausedNetwork, "connection lost")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"a.jpg", "b.jpg"} {
		item := mustGet(t, s, id)
		assert.Equal(t, models.StatusPausedNetwork, item.Status)
		assert.Equal(t, "connection lost", item.FailureReason)
	}
	assert.Equal(t, models.StatusPending, mustGet(t, s, "c.jpg").Status)

	n, err = s.ResumePaused(models.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.ResumePaused()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	claimed, err := s.ClaimNextPending(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, ids(claimed))
}

func TestPauseAllUploading_RejectsNonPausedStatus(t *testing.T) {
	s := testDB(t)
	_, err := s.PauseAllUploading(models.StatusPending, "x")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestRecoverStale(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", Status: models.StatusUploading, FileSize: 1, QueuedAt: 1}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "b.jpg", Status: models.StatusSynced, FileSize: 1}))

	n, err := s.RecoverStale()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusPending, mustGet(t, s, "a.jpg").Status)
	assert.Equal(t, models.StatusSynced, mustGet(t, s, "b.jpg").Status)

	claimed, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, ids(claimed))
}

func TestRequeueErrored_HonoursBackoff(t *testing.T) {
	s := testDB(t)
	base := time.UnixMilli(1_000_000)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", Status: models.StatusError, RetryCount: 1, LastAttemptTimestamp: base.UnixMilli()}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "b.jpg", Status: models.StatusError, RetryCount: 3, LastAttemptTimestamp: base.UnixMilli()}))

	backoff := func(n int) time.Duration { return time.Duration(n) * 10 * time.Second }

	n, err := s.RequeueErrored(base.Add(15*time.Second), backoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusPending, mustGet(t, s, "a.jpg").Status)
	assert.Equal(t, models.StatusError, mustGet(t, s, "b.jpg").Status)

	n, err = s.RequeueErrored(base.Add(30*time.Second), backoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusPending, mustGet(t, s, "b.jpg").Status)
}

func TestQueueAllDiscovered(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", Status: models.StatusDiscovered}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "b.jpg", Status: models.StatusDiscovered}))

	n, err := s.QueueAllDiscovered(42)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	claimed, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, ids(claimed))
}

func TestResetFailed(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", Status: models.StatusFailed, RetryCount: 4, FailureReason: "x"}))

	n, err := s.ResetFailed(5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := mustGet(t, s, "a.jpg")
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Empty(t, item.FailureReason)
}

func TestMarkSyncedByHashes(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "a.jpg", ContentHash: "h1", Status: models.StatusPending, FileSize: 10}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "b.jpg", ContentHash: "h2", Status: models.StatusUploading, FileSize: 10}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "c.jpg", ContentHash: "h3", Status: models.StatusPending, FileSize: 10}))

	n, err := s.MarkSyncedByHashes([]string{"h1", "h2"}, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := mustGet(t, s, "a.jpg")
	assert.Equal(t, models.StatusSynced, a.Status)
	assert.Equal(t, int64(10), a.LastKnownOffset)
	assert.Equal(t, models.StatusUploading, mustGet(t, s, "b.jpg").Status)
	assert.Equal(t, models.StatusPending, mustGet(t, s, "c.jpg").Status)

	claimed, err := s.ClaimNextPending(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.jpg"}, ids(claimed))
}

// --- Aggregate ---

func TestAggregate_Empty(t *testing.T) {
	s := testDB(t)
	agg, err := s.Aggregate()
	require.NoError(t, err)
	assert.Empty(t, agg.ByStatus)
}

func TestAggregate_SumsPerStatus(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "s1", Status: models.StatusSynced, FileSize: 100, LastKnownOffset: 100}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "s2", Status: models.StatusSynced, FileSize: 100, LastKnownOffset: 100}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "u1", Status: models.StatusUploading, FileSize: 200, LastKnownOffset: 50}))
	require.NoError(t, s.Insert(models.SyncItem{MediaID: "p1", Status: models.StatusPending, FileSize: 100}))

	agg, err := s.Aggregate()
	require.NoError(t, err)

	assert.Equal(t, models.StatusTotals{Count: 2, FileSize: 200, KnownOffset: 200}, agg.Totals(models.StatusSynced))
	assert.Equal(t, models.StatusTotals{Count: 1, FileSize: 200, KnownOffset: 50}, agg.Totals(models.StatusUploading))
	assert.Equal(t, models.StatusTotals{Count: 1, FileSize: 100}, agg.Totals(models.StatusPending))
}
