package media

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// StaticRTPTrack is a local capture track fed by an external RTP source (a
// capture pipeline writing packetized RTP). Disabling the track drops writes,
// which is how mute/push-to-talk is implemented.
type StaticRTPTrack struct {
	local *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	kind    TrackKind
	enabled bool
	stopped bool
}

func NewStaticRTPTrack(kind TrackKind, id, streamID string) (*StaticRTPTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case TrackKindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	case TrackKindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	return &StaticRTPTrack{local: local, kind: kind, enabled: true}, nil
}

func (t *StaticRTPTrack) ID() string {
	return t.local.ID()
}

func (t *StaticRTPTrack) Kind() TrackKind {
	return t.kind
}

func (t *StaticRTPTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *StaticRTPTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *StaticRTPTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// WriteRTP forwards one packet to every bound receiver. Packets written while
// the track is disabled or stopped are silently dropped.
func (t *StaticRTPTrack) WriteRTP(pkt *rtp.Packet) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteRTP(pkt)
}

// remoteTrack wraps a track received from a remote peer. Stopping it only
// marks the handle; the underlying RTP flow ends when the peer closes.
type remoteTrack struct {
	remote *webrtc.TrackRemote

	mu      sync.Mutex
	kind    TrackKind
	enabled bool
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	kind := TrackKindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackKindVideo
	}
	return &remoteTrack{remote: tr, kind: kind, enabled: true}
}

func (t *remoteTrack) ID() string {
	return t.remote.ID()
}

func (t *remoteTrack) Kind() TrackKind {
	return t.kind
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// StaticCapture bundles pre-built local tracks into a Capture. The production
// capture pipeline constructs one from its RTP tracks; tests build them
// directly.
type StaticCapture struct {
	tracks []Track
}

func NewStaticCapture(tracks ...Track) *StaticCapture {
	return &StaticCapture{tracks: tracks}
}

func (c *StaticCapture) Tracks() []Track {
	out := make([]Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

func (c *StaticCapture) AudioTracks() []Track {
	return c.tracksOfKind(TrackKindAudio)
}

func (c *StaticCapture) VideoTracks() []Track {
	return c.tracksOfKind(TrackKindVideo)
}

func (c *StaticCapture) Stop() {
	for _, t := range c.tracks {
		t.Stop()
	}
}

func (c *StaticCapture) tracksOfKind(kind TrackKind) []Track {
	var out []Track
	for _, t := range c.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
