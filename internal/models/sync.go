// Package models defines types shared across internal packages.
package models

// Status is the upload lifecycle state of a SyncItem.
type Status string

const (
	StatusDiscovered    Status = "DISCOVERED"
	StatusPending       Status = "PENDING"
	StatusUploading     Status = "UPLOADING"
	StatusSynced        Status = "SYNCED"
	StatusError         Status = "ERROR"
	StatusFailed        Status = "FAILED"
	StatusPaused        Status = "PAUSED"
	StatusPausedNetwork Status = "PAUSED_NETWORK"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusDiscovered,
	StatusPending,
	StatusUploading,
	StatusSynced,
	StatusError,
	StatusFailed,
	StatusPaused,
	StatusPausedNetwork,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}

	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Paused reports whether s is one of the paused variants.
func (s Status) Paused() bool {
	return s == StatusPaused || s == StatusPausedNetwork
}

// transitions is the state machine. Only UPLOADING rows record errors.
// The moves to SYNCED from DISCOVERED, PENDING and ERROR are hash
// reconciliation against the server. Explicit user resets go through
// ResetRetryStatus and are not listed here.
var transitions = map[Status][]Status{
	StatusDiscovered:    {StatusPending, StatusSynced},
	StatusPending:       {StatusUploading, StatusPaused, StatusPausedNetwork, StatusSynced},
	StatusUploading:     {StatusSynced, StatusPending, StatusError, StatusFailed, StatusPaused, StatusPausedNetwork},
	StatusError:         {StatusPending, StatusSynced},
	StatusPaused:        {StatusPending},
	StatusPausedNetwork: {StatusPending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// SyncItem is the durable upload state of one local media item, keyed by
// MediaID. Timestamps are unix milliseconds.
type SyncItem struct {
	MediaID              string `json:"mediaId"`
	ContentHash          string `json:"contentHash"`
	Status               Status `json:"status"`
	FileSize             int64  `json:"fileSize"`
	ModTime              int64  `json:"modTime"`
	UploadID             string `json:"uploadId,omitempty"`
	LastKnownOffset      int64  `json:"lastKnownOffset"`
	LastUpdated          int64  `json:"lastUpdated"`
	QueuedAt             int64  `json:"queuedAt"`
	RetryCount           int    `json:"retryCount"`
	LastAttemptTimestamp int64  `json:"lastAttemptTimestamp"`
	FailureReason        string `json:"failureReason,omitempty"`
}

// ServerPairing is the singleton record of the paired server.
type ServerPairing struct {
	ServerIP      string `json:"serverIp"`
	ServerPort    int    `json:"serverPort"`
	ServerName    string `json:"serverName,omitempty"`
	DeviceID      string `json:"deviceId"`
	IsPaired      bool   `json:"isPaired"`
	LastConnected int64  `json:"lastConnected"`
}

// StatusTotals holds the row count and byte sums for one status.
type StatusTotals struct {
	Count       int   `json:"count"`
	FileSize    int64 `json:"fileSize"`
	KnownOffset int64 `json:"knownOffset"`
}

// Aggregate is a consistent per-status summary of the store, taken in a
// single read transaction.
type Aggregate struct {
	ByStatus map[Status]StatusTotals `json:"byStatus"`
}

// Totals returns the totals for s, zero when no row has that status.
func (a Aggregate) Totals(s Status) StatusTotals {
	return a.ByStatus[s]
}
