package media

import (
	"github.com/meshtalk/signaling/internal/protocol"
)

// Transport is the negotiation capability one peer owns. Implementations must
// accept AddICECandidate before the remote description is set (buffering
// internally); callers do not defer candidates themselves.
//
// Handler registration must happen before negotiation starts. Callbacks may be
// invoked from transport-internal goroutines.
type Transport interface {
	CreateOffer(opts OfferOptions) (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(desc protocol.SessionDescription) error
	SetRemoteDescription(desc protocol.SessionDescription) error
	AddICECandidate(candidate protocol.ICECandidate) error
	AddTrack(t Track) error
	Close() error

	OnICECandidate(fn func(protocol.ICECandidate))
	OnTrack(fn func(Track))
	OnStateChange(fn func(TransportState))
}

// TransportFactory builds one Transport per remote peer.
type TransportFactory func() (Transport, error)
