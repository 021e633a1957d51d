package errors

import "errors"

// Store errors.
var (
	ErrItemNotFound      = errors.New("sync item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Connection errors.
var (
	ErrNotConnected    = errors.New("not connected to server")
	ErrConnectionHeld  = errors.New("connection slot already held")
	ErrRunInProgress   = errors.New("sync run already in progress")
	ErrNotPaired       = errors.New("device is not paired with a server")
	ErrPairingRejected = errors.New("pairing rejected by server")
)

// Protocol errors.
var (
	ErrProtocol       = errors.New("protocol error")
	ErrServerRejected = errors.New("server rejected request")
)
