package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshtalk/signaling/internal/media"
	"github.com/meshtalk/signaling/internal/protocol"
)

// SignalTransport is the full client-side relay surface the session drives.
type SignalTransport interface {
	Signaler
	Join(ctx context.Context, room string) (string, error)
	Leave(ctx context.Context) error
}

// CaptureFunc acquires the local media capture when the session starts.
type CaptureFunc func(ctx context.Context) (media.Capture, error)

type SessionConfig struct {
	Capture CaptureFunc
	Factory media.TransportFactory
	Logger  *slog.Logger

	// OnStream fires for the local stream (empty ConnectionID) at start and
	// once per remote peer when its first track arrives.
	OnStream func(StreamEvent)

	OnPeerState func(connectionID string, state media.TransportState)
}

// Session owns the local capture and the peer registry for one joined room.
// It implements the relay event surface by delegating to the registry, so it
// can be handed to the signaling client before Start runs; events arriving
// while stopped are dropped.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu       sync.Mutex
	started  bool
	capture  media.Capture
	registry *Registry
	signal   SignalTransport
}

func NewSession(cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, log: log}
}

// Start acquires the capture, announces the local stream, and joins the room.
func (s *Session) Start(ctx context.Context, signal SignalTransport, room string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.mu.Unlock()

	capture, err := s.cfg.Capture(ctx)
	if err != nil {
		return fmt.Errorf("acquire capture: %w", err)
	}

	registry := NewRegistry(RegistryConfig{
		Signaler:    signal,
		Factory:     s.cfg.Factory,
		Capture:     capture,
		Logger:      s.log,
		OnStream:    s.cfg.OnStream,
		OnPeerState: s.cfg.OnPeerState,
	})

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		capture.Stop()
		return ErrSessionStarted
	}
	s.started = true
	s.capture = capture
	s.registry = registry
	s.signal = signal
	s.mu.Unlock()

	if s.cfg.OnStream != nil {
		local := media.NewStream()
		for _, track := range capture.Tracks() {
			local.Add(track)
		}
		s.cfg.OnStream(StreamEvent{ConnectionID: "", Stream: local})
	}

	if _, err := signal.Join(ctx, room); err != nil {
		s.Stop(ctx)
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// Stop leaves the room, closes every peer, and releases the capture. Safe to
// call when not started.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	capture := s.capture
	registry := s.registry
	signal := s.signal
	s.capture = nil
	s.registry = nil
	s.signal = nil
	s.mu.Unlock()

	if err := signal.Leave(ctx); err != nil {
		s.log.Debug("leave failed", slog.String("err", err.Error()))
	}
	registry.CloseAll()
	capture.Stop()
}

// SetAudioEnabled flips the enabled flag on every local audio track. This is
// the mute/push-to-talk control; it never stops tracks.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()

	if capture == nil {
		return
	}
	for _, track := range capture.AudioTracks() {
		track.SetEnabled(enabled)
	}
}

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) activeRegistry() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

func (s *Session) OnJoin(connectionID string) {
	if r := s.activeRegistry(); r != nil {
		r.OnJoin(connectionID)
	}
}

func (s *Session) OnLeave(connectionID string) {
	if r := s.activeRegistry(); r != nil {
		r.OnLeave(connectionID)
	}
}

func (s *Session) OnOffer(connectionID string, sdp protocol.SessionDescription) {
	if r := s.activeRegistry(); r != nil {
		r.OnOffer(connectionID, sdp)
	}
}

func (s *Session) OnAnswer(connectionID string, sdp protocol.SessionDescription) {
	if r := s.activeRegistry(); r != nil {
		r.OnAnswer(connectionID, sdp)
	}
}

func (s *Session) OnICECandidate(connectionID string, candidate protocol.ICECandidate) {
	if r := s.activeRegistry(); r != nil {
		r.OnICECandidate(connectionID, candidate)
	}
}
