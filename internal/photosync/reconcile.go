package photosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
	"github.com/tidwall/gjson"
)

// reconcileGroupSize is how many hashes one BATCH_CHECK carries.
const reconcileGroupSize = 100

// reconcile asks the server which queued hashes it already stores and
// marks those rows SYNCED, so they are never claimed. A server ERROR ends
// reconciliation without failing the session; transport and protocol
// errors are returned.
func (o *Orchestrator) reconcile(ctx context.Context, t Transport) (int, error) {
	hashes, err := o.queuedHashes()
	if err != nil {
		o.logger.Warn("listing hashes for reconciliation", slog.String("error", err.Error()))
		return 0, nil
	}

	total := 0

	for group := range slices.Chunk(hashes, reconcileGroupSize) {
		existing, err := o.checkHashes(ctx, t, group)
		if err != nil {
			var se *ServerError
			if errors.As(err, &se) {
				o.logger.Warn("server declined hash check", slog.String("message", se.Message))
				return total, nil
			}

			return total, err
		}

		if len(existing) == 0 {
			continue
		}

		var n int

		if err := o.withStoreRetry(func() error {
			var e error
			n, e = o.store.MarkSyncedByHashes(existing, o.cfg.Now().UnixMilli())

			return e
		}); err != nil {
			o.logger.Warn("marking reconciled items", slog.String("error", err.Error()))
			continue
		}

		total += n
	}

	if total > 0 {
		metrics.ReconciledSynced.Add(float64(total))
		o.logger.Info("reconciled items already on server", slog.Int("count", total))
	}

	return total, nil
}

// queuedHashes returns the distinct content hashes of rows that could
// still be uploaded, in MediaID order.
func (o *Orchestrator) queuedHashes() ([]string, error) {
	items, err := o.store.All()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(items))

	var hashes []string

	for _, it := range items {
		switch it.Status {
		case models.StatusPending, models.StatusDiscovered, models.StatusError:
		default:
			continue
		}

		if it.ContentHash == "" {
			continue
		}

		if _, dup := seen[it.ContentHash]; dup {
			continue
		}

		seen[it.ContentHash] = struct{}{}
		hashes = append(hashes, it.ContentHash)
	}

	return hashes, nil
}

// checkHashes runs one BATCH_CHECK exchange:
//
//	-> BATCH_CHECK <n>
//	-> METADATA {"action":"BATCH_CHECK","hashes":[...]}
//	<- BATCH_RESULT <m>
//	<- METADATA {"status":"ok","existingHashes":[...]}
func (o *Orchestrator) checkHashes(ctx context.Context, t Transport, hashes []string) ([]string, error) {
	if err := t.WriteLine(ctx, protocol.BatchCheck(len(hashes))); err != nil {
		return nil, fmt.Errorf("sending BATCH_CHECK: %w", err)
	}

	req, err := protocol.NewJSONPacket(protocol.TypeMetadata, protocol.BatchCheckRequest{
		Action: protocol.BatchCheckAction,
		Hashes: hashes,
	})
	if err != nil {
		return nil, err
	}

	if err := t.WritePacket(ctx, req); err != nil {
		return nil, fmt.Errorf("sending hash list: %w", err)
	}

	resp, err := t.ReadResponse(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading BATCH_CHECK response: %w", err)
	}

	var count int

	switch r := resp.(type) {
	case protocol.BatchResult:
		count = r.Count
	case protocol.Error:
		return nil, &ServerError{Message: r.Message}
	default:
		return nil, unexpected(protocol.CmdBatchCheck, resp)
	}

	p, err := t.ReadPacket(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading hash result: %w", err)
	}

	if p.Type() != protocol.TypeMetadata {
		return nil, fmt.Errorf("%w: expected METADATA after BATCH_RESULT, got %s", syncerr.ErrProtocol, p.Type())
	}

	if status := gjson.GetBytes(p.Payload, "status").Str; status != "ok" {
		return nil, &ServerError{Message: "hash check status " + status}
	}

	var result protocol.BatchCheckResult
	if err := p.DecodeJSON(&result); err != nil {
		return nil, err
	}

	if len(result.ExistingHashes) != count {
		o.logger.Debug("BATCH_RESULT count differs from hash list",
			slog.Int("count", count),
			slog.Int("hashes", len(result.ExistingHashes)),
		)
	}

	// Only trust hashes that were asked about.
	asked := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		asked[h] = struct{}{}
	}

	existing := make([]string, 0, len(result.ExistingHashes))

	for _, h := range result.ExistingHashes {
		if _, ok := asked[h]; ok {
			existing = append(existing, h)
		}
	}

	return existing, nil
}
