package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/meshtalk/signaling/internal/media"
	"github.com/meshtalk/signaling/internal/protocol"
)

type RegistryConfig struct {
	Signaler Signaler
	Factory  media.TransportFactory

	// Capture provides the local tracks added to every new transport. May be
	// nil, in which case offers request receive-only audio and video.
	Capture media.Capture

	Logger *slog.Logger

	// OnStream fires once per remote peer, when its first track arrives.
	OnStream func(StreamEvent)

	// OnPeerState relays transport connection-state changes per peer.
	OnPeerState func(connectionID string, state media.TransportState)
}

// Registry maps connection ids to their negotiation state machines. It
// implements the relay event surface: joins and offers create peers lazily,
// answers and candidates for unknown ids are dropped, leaves tear down.
//
// Peers are created synchronously with the join or offer event, so a leave
// delivered right behind a join always finds the peer and tears it down. Only
// the offer/answer round trip moves to a goroutine: it waits on the signaling
// client, which must not be entered from the client's read loop.
type Registry struct {
	cfg RegistryConfig
	log *slog.Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:   cfg,
		log:   log,
		peers: make(map[string]*Peer),
	}
}

// Peer returns the negotiation instance for a connection id, if present.
func (r *Registry) Peer(connectionID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[connectionID]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// getOrCreate is the single creation path. Re-fetching an existing id never
// builds a second transport.
func (r *Registry) getOrCreate(connectionID string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[connectionID]; ok {
		return p, nil
	}

	transport, err := r.cfg.Factory()
	if err != nil {
		return nil, err
	}
	if r.cfg.Capture != nil {
		for _, track := range r.cfg.Capture.Tracks() {
			if err := transport.AddTrack(track); err != nil {
				_ = transport.Close()
				return nil, err
			}
		}
	}

	p := newPeer(connectionID, transport, r.cfg.Signaler, r.log, r.cfg.OnStream, r.cfg.OnPeerState)
	r.peers[connectionID] = p
	return p, nil
}

func (r *Registry) offerOptions() media.OfferOptions {
	if r.cfg.Capture == nil {
		return media.OfferOptions{RecvAudio: true, RecvVideo: true}
	}
	return media.OfferOptions{
		RecvAudio: len(r.cfg.Capture.AudioTracks()) > 0,
		RecvVideo: len(r.cfg.Capture.VideoTracks()) > 0,
	}
}

// OnJoin makes the existing member initiate toward the newcomer.
func (r *Registry) OnJoin(connectionID string) {
	p, err := r.getOrCreate(connectionID)
	if err != nil {
		r.log.Warn("create peer for join failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
		return
	}
	go func() {
		if err := p.SendOffer(context.Background(), r.offerOptions()); err != nil {
			r.log.Warn("send offer failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
		}
	}()
}

// OnOffer answers a remote offer, creating the peer when the offer arrives
// before any local join decision.
func (r *Registry) OnOffer(connectionID string, sdp protocol.SessionDescription) {
	p, err := r.getOrCreate(connectionID)
	if err != nil {
		r.log.Warn("create peer for offer failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
		return
	}
	go func() {
		if err := p.SendAnswer(context.Background(), sdp); err != nil {
			if errors.Is(err, ErrClosed) {
				r.log.Debug("peer closed before answer", slog.String("peer", connectionID))
				return
			}
			r.log.Warn("send answer failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
		}
	}()
}

// OnAnswer applies an answer to a known peer. Unknown ids are stale traffic
// after a leave and are dropped.
func (r *Registry) OnAnswer(connectionID string, sdp protocol.SessionDescription) {
	p, ok := r.Peer(connectionID)
	if !ok {
		r.log.Debug("dropping answer for unknown peer", slog.String("peer", connectionID))
		return
	}
	if err := p.AddAnswer(sdp); err != nil {
		r.log.Warn("apply answer failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
	}
}

func (r *Registry) OnICECandidate(connectionID string, candidate protocol.ICECandidate) {
	p, ok := r.Peer(connectionID)
	if !ok {
		r.log.Debug("dropping candidate for unknown peer", slog.String("peer", connectionID))
		return
	}
	if err := p.AddCandidate(candidate); err != nil {
		r.log.Warn("add candidate failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
	}
}

// OnLeave removes the index entry before tearing the peer down, so no lookup
// can land on a peer mid-teardown.
func (r *Registry) OnLeave(connectionID string) {
	r.mu.Lock()
	p := r.peers[connectionID]
	delete(r.peers, connectionID)
	r.mu.Unlock()

	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		r.log.Warn("close peer failed", slog.String("peer", connectionID), slog.String("err", err.Error()))
	}
}

// CloseAll tears down every peer, emptying the registry first.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*Peer)
	r.mu.Unlock()

	for id, p := range peers {
		if err := p.Close(); err != nil {
			r.log.Warn("close peer failed", slog.String("peer", id), slog.String("err", err.Error()))
		}
	}
}
