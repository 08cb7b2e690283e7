package media

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/meshtalk/signaling/internal/config"
	"github.com/meshtalk/signaling/internal/protocol"
)

// PionConfig configures a pion-backed Transport. Net substitutes the network
// stack (vnet in tests); a nil Net uses the host network.
type PionConfig struct {
	ICEServers    []config.ICEServer
	LoggerFactory logging.LoggerFactory
	Net           transport.Net
}

// PionTransport adapts a *webrtc.PeerConnection to the Transport contract.
// ICE candidates added before the remote description is set are buffered and
// flushed once it lands.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu                sync.Mutex
	closed            bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	sending           map[TrackKind]bool

	onCandidate func(protocol.ICECandidate)
	onTrack     func(Track)
	onState     func(TransportState)
}

func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.WebRTCICEServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{
		pc:      pc,
		sending: make(map[TrackKind]bool),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(candidateFromPion(c.ToJSON()))
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(newRemoteTrack(tr))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state, ok := transportState(s)
		if !ok {
			return
		}
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return t, nil
}

func transportState(s webrtc.PeerConnectionState) (TransportState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed, true
	default:
		return "", false
	}
}

func (t *PionTransport) OnICECandidate(fn func(protocol.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *PionTransport) OnTrack(fn func(Track)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *PionTransport) CreateOffer(opts OfferOptions) (protocol.SessionDescription, error) {
	if err := t.ensureReceiveLines(opts); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return sdpFromPion(offer), nil
}

// ensureReceiveLines adds receive-only media lines for kinds the local side
// wants to receive but does not send. Kinds with a local sender already
// negotiate bidirectionally.
func (t *PionTransport) ensureReceiveLines(opts OfferOptions) error {
	t.mu.Lock()
	wantAudio := opts.RecvAudio && !t.sending[TrackKindAudio]
	wantVideo := opts.RecvVideo && !t.sending[TrackKindVideo]
	t.mu.Unlock()

	if wantAudio {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if wantVideo {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (t *PionTransport) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return sdpFromPion(answer), nil
}

func (t *PionTransport) SetLocalDescription(desc protocol.SessionDescription) error {
	pionDesc, err := sdpToPion(desc)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(pionDesc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *PionTransport) SetRemoteDescription(desc protocol.SessionDescription) error {
	pionDesc, err := sdpToPion(desc)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (t *PionTransport) AddICECandidate(candidate protocol.ICECandidate) error {
	init := candidateToPion(candidate)

	t.mu.Lock()
	if !t.remoteSet {
		t.pendingCandidates = append(t.pendingCandidates, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) AddTrack(track Track) error {
	st, ok := track.(*StaticRTPTrack)
	if !ok {
		return fmt.Errorf("unsupported local track type %T", track)
	}
	if _, err := t.pc.AddTrack(st.local); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	t.mu.Lock()
	t.sending[track.Kind()] = true
	t.mu.Unlock()
	return nil
}

func (t *PionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
