// Package photosync drives local media items through the upload
// lifecycle: it claims work from the state store, negotiates each item
// with the server over the text control layer, streams file bytes as
// binary frames, and writes every outcome back to the store.
package photosync

//go:generate go run go.uber.org/mock/mockgen -destination=mock_transport_test.go -package=photosync . Transport

import (
	"context"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
)

// Transport abstracts the server connection so the orchestrator can be
// tested without a real server. *transport.Conn satisfies this interface.
type Transport interface {
	WriteLine(ctx context.Context, line string) error
	ReadResponse(ctx context.Context) (protocol.Response, error)
	WritePacket(ctx context.Context, p protocol.Packet) error
	ReadPacket(ctx context.Context) (protocol.Packet, error)
	Connected() bool
}

// Store is the subset of the state store the engine mutates.
// *state.State satisfies this interface.
type Store interface {
	All() ([]models.SyncItem, error)
	ClaimNextPending(maxItems int) ([]models.SyncItem, error)
	RecordSuccess(mediaID string, timestamp int64) error
	RecordError(mediaID string, timestamp int64, reason string, next models.Status) error
	UpdateUploadProgress(mediaID string, offset int64, uploadID string) error
	PauseAllUploading(status models.Status, reason string) (int, error)
	ResumePaused(statuses ...models.Status) (int, error)
	RequeueErrored(now time.Time, backoff func(retryCount int) time.Duration) (int, error)
	MarkSyncedByHashes(hashes []string, timestamp int64) (int, error)

	Pairing() (*models.ServerPairing, error)
	SetPairing(p models.ServerPairing) error
	ClearPairing() error
}
