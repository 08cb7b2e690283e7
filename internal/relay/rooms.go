package relay

import (
	"log/slog"
	"sync"

	"github.com/meshtalk/signaling/internal/metrics"
	"github.com/meshtalk/signaling/internal/protocol"
)

// Rooms is the registry of active rooms. Rooms are created lazily on the
// first join and removed when the last member leaves.
type Rooms struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	maxMembers int

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name    string
	members map[string]*member
}

func NewRooms(logger *slog.Logger, m *metrics.Metrics, maxMembers int) *Rooms {
	if m == nil {
		m = metrics.New()
	}
	return &Rooms{
		log:        logger,
		metrics:    m,
		maxMembers: maxMembers,
		rooms:      make(map[string]*room),
	}
}

// Join adds mem to the named room under the given connection id and notifies
// the existing members. Adding the same id twice is a no-op.
func (r *Rooms) Join(roomName, id string, mem *member) error {
	frame, err := protocol.Marshal(protocol.Envelope{
		Type:         protocol.TypeJoin,
		ConnectionID: id,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomName]
	if !ok {
		rm = &room{
			name:    roomName,
			members: make(map[string]*member),
		}
		r.rooms[roomName] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Info("room created", "room", roomName)
	}
	if _, ok := rm.members[id]; ok {
		r.mu.Unlock()
		return nil
	}
	if r.maxMembers > 0 && len(rm.members) >= r.maxMembers {
		if len(rm.members) == 0 {
			delete(r.rooms, roomName)
		}
		r.mu.Unlock()
		return ErrRoomFull
	}
	rm.members[id] = mem
	others := rm.othersOf(id)
	r.mu.Unlock()

	for _, other := range others {
		if other.trySend(frame) {
			r.metrics.Inc(metrics.BroadcastJoin)
		} else {
			r.dropBackpressured(other)
		}
	}
	return nil
}

// Leave removes the id from the room, deletes the room when it empties, and
// notifies the remaining members. Unknown ids are ignored.
func (r *Rooms) Leave(roomName, id string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomName]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := rm.members[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(rm.members, id)
	var others []*member
	if len(rm.members) == 0 {
		delete(r.rooms, roomName)
		r.metrics.Inc(metrics.RoomsDeleted)
		r.log.Info("room deleted", "room", roomName)
	} else {
		others = rm.othersOf(id)
	}
	r.mu.Unlock()

	if len(others) == 0 {
		return
	}
	frame, err := protocol.Marshal(protocol.Envelope{
		Type:         protocol.TypeLeave,
		ConnectionID: id,
	})
	if err != nil {
		return
	}
	for _, other := range others {
		if other.trySend(frame) {
			r.metrics.Inc(metrics.BroadcastLeave)
		} else {
			r.dropBackpressured(other)
		}
	}
}

// Forward delivers env to the member it addresses, rewriting the connection
// id to name the sender. It reports false when the addressee is not in the
// sender's room.
func (r *Rooms) Forward(roomName, fromID string, env protocol.Envelope) bool {
	targetID := env.ConnectionID

	r.mu.Lock()
	rm, ok := r.rooms[roomName]
	if !ok {
		r.mu.Unlock()
		return false
	}
	target, ok := rm.members[targetID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	env.ConnectionID = fromID
	env.Seq = 0
	frame, err := protocol.Marshal(env)
	if err != nil {
		return false
	}
	if !target.trySend(frame) {
		r.dropBackpressured(target)
		return false
	}
	r.metrics.Inc(metrics.RelayedToPeer)
	return true
}

// MemberCount reports the current size of a room. It exists for tests and
// introspection.
func (r *Rooms) MemberCount(roomName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomName]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// dropBackpressured disconnects a member whose send queue stayed full. Its
// read loop observes the closed connection and performs the usual leave.
func (r *Rooms) dropBackpressured(mem *member) {
	id, roomName := mem.identity()
	r.metrics.Inc(metrics.DroppedBackpressed)
	r.log.Warn("dropping backpressured member", "room", roomName, "connection_id", id)
	mem.close()
}

func (rm *room) othersOf(id string) []*member {
	others := make([]*member, 0, len(rm.members))
	for memberID, mem := range rm.members {
		if memberID == id {
			continue
		}
		others = append(others, mem)
	}
	return others
}
