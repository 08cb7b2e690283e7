package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// member is one joined (or joining) WebSocket connection.
//
// All writes to the underlying connection happen on the write pump goroutine,
// which drains the send queue and emits keepalive pings. Other goroutines
// enqueue with trySend and never touch the conn directly.
type member struct {
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// mu guards id and room, which are assigned on join and cleared on leave.
	mu   sync.Mutex
	id   string
	room string
}

func newMember(conn *websocket.Conn, queueDepth int) *member {
	return &member{
		conn: conn,
		send: make(chan []byte, queueDepth),
		done: make(chan struct{}),
	}
}

func (m *member) identity() (id, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.room
}

func (m *member) setIdentity(id, room string) {
	m.mu.Lock()
	m.id = id
	m.room = room
	m.mu.Unlock()
}

func (m *member) clearIdentity() {
	m.setIdentity("", "")
}

// trySend enqueues a frame without blocking. It reports false when the member
// is gone or its queue is full; the caller decides whether that is fatal.
func (m *member) trySend(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- frame:
		return true
	case <-m.done:
		return false
	default:
		return false
	}
}

// close makes the write pump exit, which closes the underlying connection and
// in turn unblocks the read loop.
func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// writePump owns all writes on the connection. It exits when close is called
// or a write fails, and always closes the conn on the way out so the read
// loop observes the teardown.
func (m *member) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = m.conn.Close()
	}()

	for {
		select {
		case frame := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-m.done:
			// Drain anything already queued before closing so responses sent
			// just before teardown still reach the client.
			for {
				select {
				case frame := <-m.send:
					_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
