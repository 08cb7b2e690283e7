package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/meshtalk/signaling/internal/protocol"
)

func sdpFromPion(desc webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func sdpToPion(desc protocol.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
