// Package peer drives WebRTC negotiation against the signaling relay: one
// state machine per remote connection id, a lazily populated registry keyed
// by connection id, and the local session owning the capture.
package peer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meshtalk/signaling/internal/media"
	"github.com/meshtalk/signaling/internal/protocol"
)

// Signaler sends addressed signaling payloads to one room member. The
// reconnecting transport client satisfies it.
type Signaler interface {
	EmitOffer(ctx context.Context, connectionID string, sdp protocol.SessionDescription) error
	EmitAnswer(ctx context.Context, connectionID string, sdp protocol.SessionDescription) error
	EmitCandidate(ctx context.Context, connectionID string, candidate protocol.ICECandidate) error
}

type State string

const (
	StateIdle          State = "idle"
	StateOfferSent     State = "offer_sent"
	StateAnswerPending State = "answer_pending"
	StateConnected     State = "connected"
	StateClosed        State = "closed"
)

// StreamEvent announces a new media stream. ConnectionID is empty for the
// local capture's own stream.
type StreamEvent struct {
	ConnectionID string
	Stream       *media.Stream
}

// Peer negotiates one media transport with one remote connection id.
//
// Locally gathered ICE candidates are held back until the offer or answer
// emit has completed: the request queue delivers envelopes in submission
// order, and a candidate that reaches the remote side before the description
// would be dropped there as belonging to an unknown peer.
type Peer struct {
	id        string
	log       *slog.Logger
	sig       Signaler
	transport media.Transport
	onStream  func(StreamEvent)
	onState   func(connectionID string, state media.TransportState)

	mu            sync.Mutex
	state         State
	stream        *media.Stream
	streamEmitted bool
	descSent      bool
	pendingLocal  []protocol.ICECandidate
}

func newPeer(id string, transport media.Transport, sig Signaler, log *slog.Logger, onStream func(StreamEvent), onState func(string, media.TransportState)) *Peer {
	p := &Peer{
		id:        id,
		log:       log.With(slog.String("peer", id)),
		sig:       sig,
		transport: transport,
		onStream:  onStream,
		onState:   onState,
		state:     StateIdle,
	}

	transport.OnICECandidate(p.handleLocalCandidate)
	transport.OnTrack(p.handleRemoteTrack)
	transport.OnStateChange(p.handleTransportState)

	return p
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendOffer creates and transmits an offer toward the remote peer. It is a
// no-op unless the peer is idle.
func (p *Peer) SendOffer(ctx context.Context, opts media.OfferOptions) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.state = StateOfferSent
	p.mu.Unlock()

	if err := p.negotiateOffer(ctx, opts); err != nil {
		p.mu.Lock()
		if p.state == StateOfferSent {
			p.state = StateIdle
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Peer) negotiateOffer(ctx context.Context, opts media.OfferOptions) error {
	offer, err := p.transport.CreateOffer(opts)
	if err != nil {
		return err
	}
	if err := p.transport.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := p.sig.EmitOffer(ctx, p.id, offer); err != nil {
		return err
	}
	p.flushLocalCandidates(ctx)
	return nil
}

// SendAnswer applies a received offer and transmits the answer back.
func (p *Peer) SendAnswer(ctx context.Context, offer protocol.SessionDescription) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state != StateIdle {
		p.mu.Unlock()
		p.log.Warn("ignoring offer in unexpected state")
		return nil
	}
	p.state = StateAnswerPending
	p.mu.Unlock()

	if err := p.negotiateAnswer(ctx, offer); err != nil {
		p.mu.Lock()
		if p.state == StateAnswerPending {
			p.state = StateIdle
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Peer) negotiateAnswer(ctx context.Context, offer protocol.SessionDescription) error {
	if err := p.transport.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := p.transport.CreateAnswer()
	if err != nil {
		return err
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := p.sig.EmitAnswer(ctx, p.id, answer); err != nil {
		return err
	}
	p.flushLocalCandidates(ctx)
	return nil
}

// AddAnswer applies the remote answer to an outstanding offer. Answers in any
// other state are stale and dropped.
func (p *Peer) AddAnswer(answer protocol.SessionDescription) error {
	p.mu.Lock()
	if p.state != StateOfferSent {
		p.mu.Unlock()
		p.log.Debug("dropping answer in unexpected state")
		return nil
	}
	p.mu.Unlock()

	return p.transport.SetRemoteDescription(answer)
}

// AddCandidate hands a remote candidate to the transport, which buffers it
// when the remote description is not set yet.
func (p *Peer) AddCandidate(candidate protocol.ICECandidate) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.transport.AddICECandidate(candidate)
}

// Close releases the transport and stops the remote stream's tracks. It never
// touches local capture tracks and is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	stream := p.stream
	p.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	return p.transport.Close()
}

func (p *Peer) handleLocalCandidate(candidate protocol.ICECandidate) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	if !p.descSent {
		p.pendingLocal = append(p.pendingLocal, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.sig.EmitCandidate(context.Background(), p.id, candidate); err != nil {
		p.log.Warn("emit candidate failed", slog.String("err", err.Error()))
	}
}

func (p *Peer) flushLocalCandidates(ctx context.Context) {
	p.mu.Lock()
	p.descSent = true
	pending := p.pendingLocal
	p.pendingLocal = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.sig.EmitCandidate(ctx, p.id, candidate); err != nil {
			p.log.Warn("emit candidate failed", slog.String("err", err.Error()))
		}
	}
}

func (p *Peer) handleRemoteTrack(track media.Track) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		track.Stop()
		return
	}
	emit := false
	if p.stream == nil {
		p.stream = media.NewStream()
	}
	p.stream.Add(track)
	if !p.streamEmitted {
		p.streamEmitted = true
		emit = true
	}
	stream := p.stream
	p.mu.Unlock()

	if emit && p.onStream != nil {
		p.onStream(StreamEvent{ConnectionID: p.id, Stream: stream})
	}
}

// handleTransportState promotes the peer to Connected on the transport's own
// connected event. A failed transport is surfaced but not closed; explicit
// leave or stop tears it down.
func (p *Peer) handleTransportState(state media.TransportState) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	if state == media.TransportConnected && (p.state == StateOfferSent || p.state == StateAnswerPending) {
		p.state = StateConnected
	}
	p.mu.Unlock()

	if p.onState != nil {
		p.onState(p.id, state)
	}
}
