// Package media defines the capability contracts the peer layer negotiates
// against: local capture tracks, remote streams, and the media transport that
// performs the actual offer/answer/ICE work. The pion adapter in pion.go is
// the production implementation; tests substitute fakes.
package media

import (
	"sync"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a single media track handle. Local capture tracks support
// enable/disable (mute); remote tracks are stopped when their peer closes.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Capture is the local media source. It is exclusively owned by the session;
// peers hold read-only references to its tracks and must never stop them.
type Capture interface {
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
	Stop()
}

// Stream accumulates the tracks received from one remote peer. The first
// track creates the stream; later tracks (a separate audio and video track is
// the common case) are added to the same handle.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

func NewStream() *Stream {
	return &Stream{}
}

func (s *Stream) Add(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Stop stops every track in the stream. Only tracks the stream itself
// accumulated are affected, never local capture tracks.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// OfferOptions scopes an offer to the directions the local side wants. A
// transport that already sends a kind negotiates it bidirectionally; a recv
// flag without a matching local track adds a receive-only line.
type OfferOptions struct {
	RecvAudio bool
	RecvVideo bool
}
