package metrics

import "sync"

// Counter names used by the relay. Names are intentionally simple; they are
// exported as label values by the Prometheus text handler.
const (
	Connections        = "connections"
	RoomsCreated       = "rooms_created"
	RoomsDeleted       = "rooms_deleted"
	EnvelopesIn        = "envelopes_in"
	RelayedToPeer      = "relayed_to_peer"
	BroadcastJoin      = "broadcast_join"
	BroadcastLeave     = "broadcast_leave"
	DroppedMalformed   = "dropped_malformed"
	DroppedUnknownPeer = "dropped_unknown_peer"
	DroppedBackpressed = "dropped_backpressure"
	RateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type exists to keep the fan-out logic testable while still being scrapable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
