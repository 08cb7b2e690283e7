package peer

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed peer.
	ErrClosed = errors.New("peer: closed")

	// ErrSessionStarted is returned by Session.Start when the session is
	// already running.
	ErrSessionStarted = errors.New("peer: session already started")
)
