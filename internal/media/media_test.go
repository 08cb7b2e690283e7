package media

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meshtalk/signaling/internal/protocol"
)

func TestStream_AccumulatesAndStops(t *testing.T) {
	audio, err := NewStaticRTPTrack(TrackKindAudio, "a1", "remote")
	if err != nil {
		t.Fatalf("new audio track: %v", err)
	}
	video, err := NewStaticRTPTrack(TrackKindVideo, "v1", "remote")
	if err != nil {
		t.Fatalf("new video track: %v", err)
	}

	s := NewStream()
	s.Add(audio)
	s.Add(video)

	if got := len(s.Tracks()); got != 2 {
		t.Fatalf("tracks = %d, want 2", got)
	}

	s.Stop()
	if audio.Enabled() || video.Enabled() {
		t.Fatalf("stopped stream left tracks enabled")
	}
}

func TestStaticCapture_FiltersByKind(t *testing.T) {
	audio, err := NewStaticRTPTrack(TrackKindAudio, "a1", "local")
	if err != nil {
		t.Fatalf("new audio track: %v", err)
	}
	video, err := NewStaticRTPTrack(TrackKindVideo, "v1", "local")
	if err != nil {
		t.Fatalf("new video track: %v", err)
	}

	capture := NewStaticCapture(audio, video)
	if got := len(capture.AudioTracks()); got != 1 {
		t.Fatalf("audio tracks = %d, want 1", got)
	}
	if got := len(capture.VideoTracks()); got != 1 {
		t.Fatalf("video tracks = %d, want 1", got)
	}
	if capture.AudioTracks()[0].ID() != "a1" {
		t.Fatalf("audio track id = %q", capture.AudioTracks()[0].ID())
	}
}

func TestStaticRTPTrack_EnableDisable(t *testing.T) {
	track, err := NewStaticRTPTrack(TrackKindAudio, "a1", "local")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if !track.Enabled() {
		t.Fatalf("new track should start enabled")
	}

	track.SetEnabled(false)
	if track.Enabled() {
		t.Fatalf("track still enabled after SetEnabled(false)")
	}

	track.SetEnabled(true)
	track.Stop()
	if track.Enabled() {
		t.Fatalf("stopped track reports enabled")
	}
}

func TestSDPConversion(t *testing.T) {
	desc, err := sdpToPion(protocol.SessionDescription{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("offer conversion failed: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0" {
		t.Fatalf("unexpected conversion result %+v", desc)
	}

	if _, err := sdpToPion(protocol.SessionDescription{Type: "rollback"}); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}

	back := sdpFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if back.Type != "answer" || back.SDP != "v=0" {
		t.Fatalf("unexpected round trip %+v", back)
	}
}

func TestCandidateConversion_KeepsOptionalFields(t *testing.T) {
	mid := "0"
	var line uint16 = 1
	c := protocol.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	}

	init := candidateToPion(c)
	if init.SDPMid == nil || *init.SDPMid != "0" {
		t.Fatalf("sdpMid lost in conversion")
	}
	if init.SDPMLineIndex == nil || *init.SDPMLineIndex != 1 {
		t.Fatalf("sdpMLineIndex lost in conversion")
	}

	back := candidateFromPion(init)
	if back.Candidate != c.Candidate {
		t.Fatalf("candidate line changed: %q", back.Candidate)
	}
	if back.UsernameFragment != nil {
		t.Fatalf("unexpected usernameFragment %v", back.UsernameFragment)
	}
}
