package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshtalk/signaling/internal/config"
	"github.com/meshtalk/signaling/internal/metrics"
	"github.com/meshtalk/signaling/internal/origin"
	"github.com/meshtalk/signaling/internal/protocol"
	"github.com/meshtalk/signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Server terminates signaling WebSocket connections and routes their
// envelopes through the room registry.
//
// It enforces an Origin policy on upgrade plus per-connection message size
// and rate limits so a single client cannot starve a room.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	rooms   *Rooms

	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	// newConnectionID is swappable in tests.
	newConnectionID func() string
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:             cfg,
		log:             logger,
		metrics:         m,
		rooms:           NewRooms(logger, m, cfg.MaxRoomMembers),
		clock:           ratelimit.RealClock{},
		newConnectionID: uuid.NewString,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Rooms exposes the registry for introspection and tests.
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

// checkOrigin admits requests without an Origin header (native clients) and
// browser requests passing the configured origin policy.
func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	o, ok := origin.Normalize(originHeader)
	if !ok {
		return false
	}
	return origin.Allowed(o, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.metrics.Inc(metrics.Connections)

	mem := newMember(conn, s.cfg.SignalSendQueueDepth)
	go mem.writePump(s.cfg.SignalWSPingInterval, wsWriteWait)

	conn.SetReadLimit(s.cfg.MaxSignalMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalWSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.SignalWSIdleTimeout))
	})

	perSecond := int64(s.cfg.MaxSignalMessagesPerSecond)
	limiter := ratelimit.NewLimiter(s.clock, perSecond, perSecond)

	defer func() {
		if id, roomName := mem.identity(); id != "" {
			s.rooms.Leave(roomName, id)
		}
		mem.close()
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalWSIdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if protocol.IsHeartbeat(raw) {
			continue
		}

		s.metrics.Inc(metrics.EnvelopesIn)

		env, err := protocol.Parse(raw)
		if err != nil {
			s.metrics.Inc(metrics.DroppedMalformed)
			s.log.Debug("dropping malformed envelope", "err", err, "remote_addr", r.RemoteAddr)
			continue
		}

		switch env.Type {
		case protocol.TypeJoin:
			if !s.handleJoin(mem, conn, env) {
				return
			}
		case protocol.TypeLeave:
			if id, roomName := mem.identity(); id != "" {
				s.rooms.Leave(roomName, id)
				mem.clearIdentity()
			}
			s.respond(mem, env.Seq, nil)
		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
			id, roomName := mem.identity()
			if id == "" {
				s.metrics.Inc(metrics.DroppedMalformed)
				s.log.Warn("dropping envelope before join", "type", env.Type, "err", ErrNotJoined)
				continue
			}
			if !s.rooms.Forward(roomName, id, env) {
				s.metrics.Inc(metrics.DroppedUnknownPeer)
				s.log.Debug("dropping envelope for unknown peer",
					"type", env.Type, "room", roomName, "target", env.ConnectionID)
			}
			s.respond(mem, env.Seq, nil)
		default:
			// Clients never originate response envelopes.
			s.metrics.Inc(metrics.DroppedMalformed)
			s.log.Debug("dropping unexpected envelope", "type", env.Type)
		}
	}
}

// handleJoin processes a client join. A join on an already-joined connection
// replaces the previous membership under a fresh connection id. It reports
// false when the connection should be torn down.
func (s *Server) handleJoin(mem *member, conn *websocket.Conn, env protocol.Envelope) bool {
	var req protocol.JoinRequest
	if err := protocol.DecodeData(env.Data, &req); err != nil || req.Room == "" {
		s.metrics.Inc(metrics.DroppedMalformed)
		s.log.Debug("dropping join without room", "err", err)
		return true
	}

	if id, roomName := mem.identity(); id != "" {
		s.rooms.Leave(roomName, id)
		mem.clearIdentity()
	}

	id := s.newConnectionID()
	mem.setIdentity(id, req.Room)
	if err := s.rooms.Join(req.Room, id, mem); err != nil {
		mem.clearIdentity()
		s.log.Info("join rejected", "room", req.Room, "err", err)
		writeClose(conn, websocket.ClosePolicyViolation, err.Error())
		return false
	}

	s.log.Info("member joined", "room", req.Room, "connection_id", id)
	s.respond(mem, env.Seq, protocol.JoinAck{ConnectionID: id})
	return true
}

// respond echoes a request's seq back to the sender. Requests without a seq
// get no response.
func (s *Server) respond(mem *member, seq uint64, payload any) {
	if seq == 0 {
		return
	}
	env := protocol.Envelope{
		Type: protocol.TypeResponse,
		Seq:  seq,
	}
	if payload != nil {
		data, err := protocol.MarshalData(payload)
		if err != nil {
			return
		}
		env.Data = data
	}
	frame, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	if !mem.trySend(frame) {
		s.rooms.dropBackpressured(mem)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
