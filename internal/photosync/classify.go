package photosync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/models"
)

const (
	// maxRetryShift caps the bit-shift exponent in RetryBackoff to
	// prevent integer overflow of time.Duration.
	maxRetryShift = 10

	// retryBaseDelay is the base delay for per-item backoff:
	// 5s * 2^retryCount.
	retryBaseDelay = 5 * time.Second

	// retryMaxDelay is the ceiling for per-item backoff.
	retryMaxDelay = 5 * time.Minute
)

// Class is how a failure affects the item being uploaded and the session.
type Class int

const (
	// ClassTransport: the connection is gone. The item goes back to
	// PENDING, the rest of the claim is paused as PAUSED_NETWORK and the
	// session ends.
	ClassTransport Class = iota

	// ClassRetryable: the server or local disk refused this item for now.
	// The item moves to ERROR and is requeued after RetryBackoff. The
	// session continues.
	ClassRetryable

	// ClassFatal: the item can never succeed as it is. It moves to FAILED
	// and waits for an explicit reset. The session continues.
	ClassFatal

	// ClassProtocol: the peer broke the protocol. Nothing is recorded
	// against the item; every UPLOADING row is paused and the session
	// ends.
	ClassProtocol

	// ClassCancelled: the run was stopped. Every UPLOADING row is paused.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassProtocol:
		return "protocol"
	case ClassCancelled:
		return "cancelled"
	}

	return fmt.Sprintf("Class(%d)", int(c))
}

// NextStatus is the status RecordError should move the item to, or ""
// when the class records nothing against the item.
func (c Class) NextStatus() models.Status {
	switch c {
	case ClassTransport:
		return models.StatusPending
	case ClassRetryable:
		return models.StatusError
	case ClassFatal:
		return models.StatusFailed
	}

	return ""
}

// EndsSession reports whether the current session must stop.
func (c Class) EndsSession() bool {
	return c == ClassTransport || c == ClassProtocol || c == ClassCancelled
}

// ServerError is an ERROR response from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

func (e *ServerError) Unwrap() error {
	return syncerr.ErrServerRejected
}

// FileError is a failure reading the local media file.
type FileError struct {
	MediaID string
	Err     error
	// MidStream is set when DATA_TRANSFER had already been sent, leaving
	// the server waiting for bytes that will not come.
	MidStream bool
}

func (e *FileError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.MediaID, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// errFileChanged marks a file whose size no longer matches the scan.
var errFileChanged = errors.New("file changed since scan")

// retryableServerHints are substrings of server ERROR messages that
// describe a temporary condition. Anything else is a permanent rejection.
var retryableServerHints = []string{
	"busy",
	"timeout",
	"timed out",
	"retry",
	"temporar",
	"unavailable",
	"try again",
	"storage full",
	"disk full",
	"no space",
	"hash mismatch",
	"incomplete",
}

// Classify maps err to a Class. ctx is the run context; if it is done the
// failure is a cancellation regardless of what the I/O layer reported.
//
//	context cancelled / deadline           -> ClassCancelled
//	ErrProtocol (bad frame, bad response)  -> ClassProtocol
//	ServerError with a temporary hint      -> ClassRetryable
//	ServerError otherwise                  -> ClassFatal
//	FileError: not exist, permission,
//	  changed since scan                   -> ClassFatal
//	FileError otherwise                    -> ClassRetryable
//	anything else (net, EOF, reset, pipe)  -> ClassTransport
func Classify(ctx context.Context, err error) Class {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	if errors.Is(err, syncerr.ErrProtocol) {
		return ClassProtocol
	}

	var se *ServerError
	if errors.As(err, &se) {
		return classifyServerMessage(se.Message)
	}

	var fe *FileError
	if errors.As(err, &fe) {
		if errors.Is(fe.Err, fs.ErrNotExist) || errors.Is(fe.Err, fs.ErrPermission) || errors.Is(fe.Err, errFileChanged) {
			return ClassFatal
		}

		return ClassRetryable
	}

	return ClassTransport
}

func classifyServerMessage(msg string) Class {
	lower := strings.ToLower(msg)
	for _, hint := range retryableServerHints {
		if strings.Contains(lower, hint) {
			return ClassRetryable
		}
	}

	return ClassFatal
}

// RetryBackoff returns how long an ERROR item waits before it is
// requeued: 5s * 2^retryCount, capped at 5 minutes.
func RetryBackoff(retryCount int) time.Duration {
	shift := min(max(retryCount, 0), maxRetryShift)

	return min(retryBaseDelay*time.Duration(1<<shift), retryMaxDelay)
}
