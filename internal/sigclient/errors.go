package sigclient

import "errors"

var (
	// ErrTimeout is returned when the relay does not acknowledge a request
	// within the configured request timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrAborted is returned for requests discarded by a rejoin, a connection
	// drop, or Close.
	ErrAborted = errors.New("request aborted")

	// ErrNotConnected is returned when a request is made before any Join or
	// after Close.
	ErrNotConnected = errors.New("not connected")
)
