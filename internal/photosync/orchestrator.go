package photosync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
)

const (
	// DefaultBatchSize is how many items one BEGIN_BATCH covers.
	DefaultBatchSize = 20

	// DefaultChunkSize is the FILE_CHUNK payload size.
	DefaultChunkSize = 1024 * 1024

	// storeAttempts bounds retries of a failed store write.
	storeAttempts = 3

	// storeRetryDelay is the pause between store write attempts.
	storeRetryDelay = 50 * time.Millisecond
)

// ConstraintFunc reports whether uploads may continue. When ok is false,
// status (PAUSED or PAUSED_NETWORK) and reason are applied to every
// UPLOADING row.
type ConstraintFunc func() (ok bool, status models.Status, reason string)

// Config configures an Orchestrator.
type Config struct {
	DeviceID string
	Token    string

	// Media resolves MediaIDs to files. MediaIDs are slash-separated
	// paths relative to its root.
	Media fs.FS

	BatchSize int
	ChunkSize int

	// Reconcile enables the BATCH_CHECK hash exchange at session start.
	Reconcile bool

	// Constraints is checked before every item. Nil means always ok.
	Constraints ConstraintFunc

	// Now is the clock for store timestamps. Nil uses time.Now.
	Now func() time.Time
}

// Result summarises one Run.
type Result struct {
	SessionID  int64
	Claimed    int
	Synced     int
	Skipped    int
	Retryable  int
	Failed     int
	Reconciled int
	BytesSent  int64
	// Paused is the number of rows paused when the run stopped early.
	Paused int
	// StopReason is set when a constraint stopped the run.
	StopReason string
}

// Orchestrator runs sync sessions. At most one Run is active at a time.
type Orchestrator struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
}

// New returns an Orchestrator, filling zero Config fields with defaults.
func New(store Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{store: store, cfg: cfg, logger: logger}
}

// Running reports whether a Run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run opens a session on t and uploads claimed items until the queue is
// empty, a constraint fails, ctx is cancelled or the session breaks. A
// second concurrent call returns ErrRunInProgress.
//
// However the run ends, no row it claimed is left UPLOADING: every exit
// path records a terminal outcome for the item or pauses it.
func (o *Orchestrator) Run(ctx context.Context, t Transport) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.RunsTotal.WithLabelValues(metrics.ResultBusy).Inc()
		return Result{}, syncerr.ErrRunInProgress
	}
	defer o.running.Store(false)

	res, err := o.run(ctx, t)

	switch {
	case err == nil:
		metrics.RunsTotal.WithLabelValues(metrics.ResultOK).Inc()
	case errors.Is(err, context.Canceled):
		metrics.RunsTotal.WithLabelValues(metrics.ResultPaused).Inc()
	default:
		metrics.RunsTotal.WithLabelValues(metrics.ResultError).Inc()
	}

	return res, err
}

func (o *Orchestrator) run(ctx context.Context, t Transport) (Result, error) {
	var res Result

	if !t.Connected() {
		return res, syncerr.ErrNotConnected
	}

	o.prepareQueue()

	sessionID, err := o.openSession(ctx, t)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return res, err
	}

	metrics.SessionsTotal.WithLabelValues(metrics.ResultOK).Inc()
	res.SessionID = sessionID

	log := o.logger.With(slog.Int64("session", sessionID))
	log.Info("sync session started")

	if o.cfg.Reconcile {
		n, err := o.reconcile(ctx, t)
		res.Reconciled = n

		if err != nil {
			return res, o.abort(ctx, err, "", &res)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, o.abort(ctx, err, "", &res)
		}

		if ok, status, reason := o.constraintsOK(); !ok {
			o.stopForConstraint(status, reason, &res)
			break
		}

		batch, err := o.claim()
		if err != nil {
			// Nothing is in flight between batches, so the session can
			// still be closed cleanly and the connection kept.
			if endErr := o.endSession(ctx, t); endErr != nil {
				log.Warn("ending session", slog.String("error", endErr.Error()))
			}

			return res, fmt.Errorf("claiming items: %w", err)
		}

		if len(batch) == 0 {
			break
		}

		res.Claimed += len(batch)

		stopped, err := o.runBatch(ctx, t, sessionID, batch, &res)
		if err != nil {
			return res, err
		}

		if stopped {
			break
		}
	}

	if err := o.endSession(ctx, t); err != nil {
		log.Warn("ending session", slog.String("error", err.Error()))
	}

	log.Info("sync session finished",
		slog.Int("synced", res.Synced),
		slog.Int("skipped", res.Skipped),
		slog.Int("retryable", res.Retryable),
		slog.Int("failed", res.Failed),
		slog.Int("reconciled", res.Reconciled),
		slog.Int64("bytes", res.BytesSent),
	)

	return res, nil
}

// prepareQueue returns paused and backed-off rows to PENDING before
// claiming starts.
func (o *Orchestrator) prepareQueue() {
	if n, err := o.store.ResumePaused(); err != nil {
		o.logger.Warn("resuming paused items", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Info("resumed paused items", slog.Int("count", n))
	}

	if n, err := o.store.RequeueErrored(o.cfg.Now(), RetryBackoff); err != nil {
		o.logger.Warn("requeueing errored items", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Info("requeued errored items", slog.Int("count", n))
	}
}

func (o *Orchestrator) openSession(ctx context.Context, t Transport) (int64, error) {
	if err := t.WriteLine(ctx, protocol.Hello(o.cfg.DeviceID, o.cfg.Token)); err != nil {
		return 0, fmt.Errorf("sending HELLO: %w", err)
	}

	resp, err := t.ReadResponse(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading HELLO response: %w", err)
	}

	switch r := resp.(type) {
	case protocol.SessionStart:
		return r.ID, nil
	case protocol.Error:
		return 0, fmt.Errorf("opening session: %w", &ServerError{Message: r.Message})
	default:
		return 0, unexpected("HELLO", resp)
	}
}

func (o *Orchestrator) endSession(ctx context.Context, t Transport) error {
	if err := t.WriteLine(ctx, protocol.EndSession()); err != nil {
		return err
	}

	return o.expectAck(ctx, t, protocol.CmdEndSession)
}

// runBatch uploads one claimed batch. It returns stopped=true when a
// constraint ended the run; a non-nil error means the session is gone and
// every claimed row has already been recorded or paused.
func (o *Orchestrator) runBatch(ctx context.Context, t Transport, sessionID int64, batch []models.SyncItem, res *Result) (bool, error) {
	if err := t.WriteLine(ctx, protocol.BeginBatch(len(batch))); err != nil {
		return false, o.abort(ctx, fmt.Errorf("sending BEGIN_BATCH: %w", err), "", res)
	}

	if err := o.expectAck(ctx, t, protocol.CmdBeginBatch); err != nil {
		return false, o.abort(ctx, err, "", res)
	}

	stopped := false

	for i, item := range batch {
		if err := ctx.Err(); err != nil {
			return false, o.abort(ctx, err, "", res)
		}

		if ok, status, reason := o.constraintsOK(); !ok {
			o.stopForConstraint(status, reason, res)
			o.logger.Info("constraint unmet, stopping batch",
				slog.String("reason", reason),
				slog.Int("remaining", len(batch)-i),
			)

			stopped = true

			break
		}

		if err := o.processItem(ctx, t, sessionID, item, res); err != nil {
			return false, err
		}
	}

	if err := t.WriteLine(ctx, protocol.BatchEnd()); err != nil {
		return false, o.abort(ctx, fmt.Errorf("sending BATCH_END: %w", err), "", res)
	}

	if err := o.expectAck(ctx, t, protocol.CmdBatchEnd); err != nil {
		return false, o.abort(ctx, err, "", res)
	}

	return stopped, nil
}

// processItem uploads one item and records the outcome. It returns an
// error only when the session must end.
func (o *Orchestrator) processItem(ctx context.Context, t Transport, sessionID int64, item models.SyncItem, res *Result) error {
	log := o.logger.With(slog.String("media_id", item.MediaID))
	start := time.Now()

	skipped, sent, err := o.upload(ctx, t, sessionID, item)
	res.BytesSent += sent

	if err == nil {
		if rerr := o.withStoreRetry(func() error {
			return o.store.RecordSuccess(item.MediaID, o.cfg.Now().UnixMilli())
		}); rerr != nil {
			res.Paused += o.pauseAll(models.StatusPaused, "store write failed")
			return fmt.Errorf("recording success for %s: %w", item.MediaID, rerr)
		}

		if skipped {
			res.Skipped++
			metrics.UploadsTotal.WithLabelValues(metrics.ResultSkipped).Inc()
			log.Debug("server already has item")
		} else {
			res.Synced++
			metrics.UploadsTotal.WithLabelValues(metrics.ResultSynced).Inc()
			metrics.UploadDuration.Observe(time.Since(start).Seconds())
			log.Info("uploaded", slog.Int64("bytes", sent))
		}

		return nil
	}

	class := Classify(ctx, err)

	if class.EndsSession() {
		return o.abort(ctx, err, item.MediaID, res)
	}

	if rerr := o.recordFailure(item.MediaID, err, class); rerr != nil {
		res.Paused += o.pauseAll(models.StatusPaused, "store write failed")
		return fmt.Errorf("recording failure for %s: %w", item.MediaID, rerr)
	}

	switch class {
	case ClassFatal:
		res.Failed++
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFatal).Inc()
		log.Warn("upload failed permanently", slog.String("error", err.Error()))
	default:
		res.Retryable++
		metrics.UploadsTotal.WithLabelValues(metrics.ResultRetryable).Inc()
		log.Warn("upload deferred", slog.String("error", err.Error()))
	}

	var fe *FileError
	if errors.As(err, &fe) && fe.MidStream {
		// The server expected the rest of the announced bytes; the
		// stream is out of step and cannot carry another item.
		return o.abort(ctx, fmt.Errorf("%w: transfer of %s abandoned mid-stream", syncerr.ErrProtocol, item.MediaID), "", res)
	}

	return nil
}

// upload runs the PHOTO exchange for item and, when the server asks for
// it, streams the file. It returns skipped=true when the server already
// holds the item, and the number of file bytes written.
func (o *Orchestrator) upload(ctx context.Context, t Transport, sessionID int64, item models.SyncItem) (skipped bool, sent int64, err error) {
	f, err := o.cfg.Media.Open(item.MediaID)
	if err != nil {
		return false, 0, &FileError{MediaID: item.MediaID, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, 0, &FileError{MediaID: item.MediaID, Err: err}
	}

	if info.Size() != item.FileSize {
		return false, 0, &FileError{
			MediaID: item.MediaID,
			Err:     fmt.Errorf("%w: size %d, expected %d", errFileChanged, info.Size(), item.FileSize),
		}
	}

	if err := t.WriteLine(ctx, protocol.Photo(item.MediaID, item.FileSize, item.ContentHash)); err != nil {
		return false, 0, fmt.Errorf("sending PHOTO: %w", err)
	}

	resp, err := t.ReadResponse(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("reading PHOTO response: %w", err)
	}

	offset := item.LastKnownOffset

	switch r := resp.(type) {
	case protocol.Skip:
		return true, 0, nil
	case protocol.Error:
		return false, 0, &ServerError{Message: r.Message}
	case protocol.Send:
		if r.HasOffset {
			offset = r.Offset
		}
	default:
		return false, 0, unexpected("PHOTO", resp)
	}

	if offset < 0 || offset > item.FileSize {
		return false, 0, fmt.Errorf("%w: resume offset %d outside file size %d", syncerr.ErrProtocol, offset, item.FileSize)
	}

	uploadID := strconv.FormatInt(sessionID, 10)

	sent, err = o.stream(ctx, t, item, f, offset, uploadID)
	if err != nil {
		return false, sent, err
	}

	complete, err := protocol.NewJSONPacket(protocol.TypeTransferComplete, protocol.TransferComplete{
		Status: protocol.TransferCompleteStatus,
		Hash:   item.ContentHash,
	})
	if err != nil {
		return false, sent, err
	}

	if err := t.WritePacket(ctx, complete); err != nil {
		return false, sent, fmt.Errorf("sending TRANSFER_COMPLETE: %w", err)
	}

	resp, err = t.ReadResponse(ctx)
	if err != nil {
		return false, sent, fmt.Errorf("reading TRANSFER_COMPLETE response: %w", err)
	}

	switch r := resp.(type) {
	case protocol.Ack:
		return false, sent, nil
	case protocol.Error:
		// The server discarded the transfer; the next attempt restarts
		// from the first byte.
		if err := o.withStoreRetry(func() error {
			return o.store.UpdateUploadProgress(item.MediaID, 0, "")
		}); err != nil {
			o.logger.Warn("resetting upload offset", slog.String("media_id", item.MediaID), slog.String("error", err.Error()))
		}

		return false, sent, &ServerError{Message: r.Message}
	default:
		return false, sent, unexpected("TRANSFER_COMPLETE", resp)
	}
}

// stream sends DATA_TRANSFER and the file bytes from offset as FILE_CHUNK
// frames, persisting the offset after each chunk.
func (o *Orchestrator) stream(ctx context.Context, t Transport, item models.SyncItem, f fs.File, offset int64, uploadID string) (int64, error) {
	remaining := item.FileSize - offset

	if err := seekTo(f, offset); err != nil {
		return 0, &FileError{MediaID: item.MediaID, Err: err}
	}

	if err := t.WriteLine(ctx, protocol.DataTransfer(remaining)); err != nil {
		return 0, fmt.Errorf("sending DATA_TRANSFER: %w", err)
	}

	if err := o.withStoreRetry(func() error {
		return o.store.UpdateUploadProgress(item.MediaID, offset, uploadID)
	}); err != nil {
		o.logger.Warn("persisting upload offset", slog.String("media_id", item.MediaID), slog.String("error", err.Error()))
	}

	buf := make([]byte, o.cfg.ChunkSize)

	var sent int64

	for sent < remaining {
		want := min(int64(len(buf)), remaining-sent)

		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%w: file truncated at %d bytes", errFileChanged, offset+sent+int64(n))
			}

			return sent, &FileError{MediaID: item.MediaID, Err: err, MidStream: true}
		}

		if err := t.WritePacket(ctx, protocol.NewPacket(protocol.TypeFileChunk, buf[:n])); err != nil {
			return sent, fmt.Errorf("sending FILE_CHUNK: %w", err)
		}

		sent += int64(n)
		metrics.BytesUploaded.Add(float64(n))

		if err := o.withStoreRetry(func() error {
			return o.store.UpdateUploadProgress(item.MediaID, offset+sent, "")
		}); err != nil {
			o.logger.Warn("persisting upload offset", slog.String("media_id", item.MediaID), slog.String("error", err.Error()))
		}
	}

	return sent, nil
}

// seekTo positions f at offset, seeking when the file supports it and
// discarding bytes otherwise.
func seekTo(f fs.File, offset int64) error {
	if offset == 0 {
		return nil
	}

	if s, ok := f.(io.Seeker); ok {
		_, err := s.Seek(offset, io.SeekStart)
		return err
	}

	_, err := io.CopyN(io.Discard, f, offset)

	return err
}

func (o *Orchestrator) expectAck(ctx context.Context, t Transport, cmd string) error {
	resp, err := t.ReadResponse(ctx)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", cmd, err)
	}

	switch r := resp.(type) {
	case protocol.Ack:
		return nil
	case protocol.Error:
		return fmt.Errorf("%w: %s rejected: %s", syncerr.ErrProtocol, cmd, r.Message)
	default:
		return unexpected(cmd, resp)
	}
}

// abort ends the session after err. A transport failure records a retry
// against failedID (when set) and pauses the rest as PAUSED_NETWORK;
// protocol errors and cancellation pause everything as PAUSED.
func (o *Orchestrator) abort(ctx context.Context, err error, failedID string, res *Result) error {
	class := Classify(ctx, err)

	status := models.StatusPaused
	reason := "session aborted: " + err.Error()

	switch class {
	case ClassTransport:
		status = models.StatusPausedNetwork
		reason = "connection lost: " + err.Error()

		if failedID != "" {
			if rerr := o.recordFailure(failedID, err, class); rerr != nil {
				o.logger.Error("recording transport failure",
					slog.String("media_id", failedID),
					slog.String("error", rerr.Error()),
				)
			}
		}
	case ClassCancelled:
		reason = "sync cancelled"
	}

	paused := o.pauseAll(status, reason)
	res.Paused += paused

	o.logger.Warn("sync session aborted",
		slog.String("class", class.String()),
		slog.Int("paused", paused),
		slog.String("error", err.Error()),
	)

	if class == ClassCancelled {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}

	return err
}

func (o *Orchestrator) recordFailure(mediaID string, cause error, class Class) error {
	next := class.NextStatus()
	if next == "" {
		return nil
	}

	return o.withStoreRetry(func() error {
		return o.store.RecordError(mediaID, o.cfg.Now().UnixMilli(), cause.Error(), next)
	})
}

func (o *Orchestrator) claim() ([]models.SyncItem, error) {
	var batch []models.SyncItem

	err := o.withStoreRetry(func() error {
		var e error
		batch, e = o.store.ClaimNextPending(o.cfg.BatchSize)

		return e
	})

	return batch, err
}

func (o *Orchestrator) constraintsOK() (bool, models.Status, string) {
	if o.cfg.Constraints == nil {
		return true, "", ""
	}

	ok, status, reason := o.cfg.Constraints()
	if !ok && !status.Paused() {
		status = models.StatusPaused
	}

	return ok, status, reason
}

func (o *Orchestrator) stopForConstraint(status models.Status, reason string, res *Result) {
	res.Paused += o.pauseAll(status, reason)
	res.StopReason = reason
}

// pauseAll moves every UPLOADING row to status and returns how many
// moved. Failures are logged; RecoverStale picks up anything left behind
// on the next start.
func (o *Orchestrator) pauseAll(status models.Status, reason string) int {
	var paused int

	if err := o.withStoreRetry(func() error {
		var e error
		paused, e = o.store.PauseAllUploading(status, reason)

		return e
	}); err != nil {
		o.logger.Error("pausing in-flight items",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}

	metrics.UploadsTotal.WithLabelValues(metrics.ResultPaused).Add(float64(paused))

	return paused
}

// withStoreRetry retries fn on transient store failures. State machine
// rejections are returned immediately.
func (o *Orchestrator) withStoreRetry(fn func() error) error {
	var err error

	for attempt := 1; attempt <= storeAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, syncerr.ErrInvalidTransition) || errors.Is(err, syncerr.ErrItemNotFound) {
			return err
		}

		if attempt < storeAttempts {
			o.logger.Debug("retrying store write", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			time.Sleep(storeRetryDelay)
		}
	}

	return err
}

func unexpected(cmd string, resp protocol.Response) error {
	if u, ok := resp.(protocol.Unknown); ok {
		return fmt.Errorf("%w: unrecognised response to %s: %q", syncerr.ErrProtocol, cmd, u.Raw)
	}

	return fmt.Errorf("%w: unexpected response to %s: %T", syncerr.ErrProtocol, cmd, resp)
}
