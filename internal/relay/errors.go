package relay

import "errors"

var (
	// ErrRoomFull is returned by a join when the room is at capacity.
	ErrRoomFull = errors.New("room is full")

	// ErrNotJoined is returned when an envelope requires room membership but
	// the connection has not completed a join.
	ErrNotJoined = errors.New("connection has not joined a room")
)
