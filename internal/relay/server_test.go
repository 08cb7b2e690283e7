package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshtalk/signaling/internal/config"
	"github.com/meshtalk/signaling/internal/metrics"
	"github.com/meshtalk/signaling/internal/protocol"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:                 "127.0.0.1:0",
		Mode:                       config.ModeDev,
		SignalWSIdleTimeout:        10 * time.Second,
		SignalWSPingInterval:       3 * time.Second,
		MaxSignalMessageBytes:      64 * 1024,
		MaxSignalMessagesPerSecond: 200,
		SignalSendQueueDepth:       16,
	}
}

func startRelay(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()

	srv := NewServer(cfg, testLogger(), metrics.New())
	mux := http.NewServeMux()
	mux.Handle("GET /signal", srv)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	frame, err := protocol.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one matches pred, failing after a few unrelated
// frames or on timeout. Broadcasts and responses may interleave, so callers
// match on what they need.
func expect(t *testing.T, conn *websocket.Conn, pred func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	for i := 0; i < 5; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := protocol.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if pred(env) {
			return env
		}
	}
	t.Fatalf("expected envelope not received")
	return protocol.Envelope{}
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected envelope: %s", raw)
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string, seq uint64) string {
	t.Helper()
	data, err := protocol.MarshalData(protocol.JoinRequest{Room: room})
	if err != nil {
		t.Fatalf("marshal join: %v", err)
	}
	send(t, conn, protocol.Envelope{Type: protocol.TypeJoin, Seq: seq, Data: data})

	resp := expect(t, conn, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeResponse && env.Seq == seq
	})
	var ack protocol.JoinAck
	if err := protocol.DecodeData(resp.Data, &ack); err != nil {
		t.Fatalf("decode join ack: %v", err)
	}
	if ack.ConnectionID == "" {
		t.Fatalf("join ack missing connection id")
	}
	return ack.ConnectionID
}

func sdpData(t *testing.T, kind, sdp string) []byte {
	t.Helper()
	data, err := protocol.MarshalData(protocol.SessionDescription{Type: kind, SDP: sdp})
	if err != nil {
		t.Fatalf("marshal sdp: %v", err)
	}
	return data
}

func TestSignal_TwoPeersNegotiate(t *testing.T) {
	_, url := startRelay(t, testConfig())

	connA := dial(t, url)
	idA := joinRoom(t, connA, "lobby", 1)

	connB := dial(t, url)
	idB := joinRoom(t, connB, "lobby", 1)

	// A learns about B from the join broadcast.
	joined := expect(t, connA, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeJoin
	})
	if joined.ConnectionID != idB {
		t.Fatalf("join broadcast id=%q, want %q", joined.ConnectionID, idB)
	}

	// A offers to B; B sees the offer attributed to A.
	send(t, connA, protocol.Envelope{
		Type:         protocol.TypeOffer,
		ConnectionID: idB,
		Seq:          2,
		Data:         sdpData(t, "offer", "v=0 offer"),
	})
	expect(t, connA, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeResponse && env.Seq == 2
	})
	offer := expect(t, connB, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeOffer
	})
	if offer.ConnectionID != idA {
		t.Fatalf("offer attributed to %q, want %q", offer.ConnectionID, idA)
	}
	var sdp protocol.SessionDescription
	if err := protocol.DecodeData(offer.Data, &sdp); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if sdp.SDP != "v=0 offer" {
		t.Fatalf("sdp=%q", sdp.SDP)
	}

	// B answers A.
	send(t, connB, protocol.Envelope{
		Type:         protocol.TypeAnswer,
		ConnectionID: idA,
		Seq:          2,
		Data:         sdpData(t, "answer", "v=0 answer"),
	})
	answer := expect(t, connA, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeAnswer
	})
	if answer.ConnectionID != idB {
		t.Fatalf("answer attributed to %q, want %q", answer.ConnectionID, idB)
	}

	// Trickle a candidate from A to B.
	candData, err := protocol.MarshalData(protocol.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 1 typ host"})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	send(t, connA, protocol.Envelope{
		Type:         protocol.TypeCandidate,
		ConnectionID: idB,
		Data:         candData,
	})
	cand := expect(t, connB, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeCandidate
	})
	if cand.ConnectionID != idA {
		t.Fatalf("candidate attributed to %q, want %q", cand.ConnectionID, idA)
	}
}

func TestSignal_CrossRoomIsolation(t *testing.T) {
	_, url := startRelay(t, testConfig())

	connA := dial(t, url)
	joinRoom(t, connA, "room-1", 1)

	connC := dial(t, url)
	idC := joinRoom(t, connC, "room-2", 1)

	send(t, connA, protocol.Envelope{
		Type:         protocol.TypeOffer,
		ConnectionID: idC,
		Seq:          2,
		Data:         sdpData(t, "offer", "v=0"),
	})
	// The request is acknowledged even though delivery failed.
	expect(t, connA, func(env protocol.Envelope) bool {
		return env.Type == protocol.TypeResponse && env.Seq == 2
	})
	expectNothing(t, connC)
}

func TestSignal_LeaveAndDisconnectBroadcast(t *testing.T) {
	_, url := startRelay(t, testConfig())

	connA := dial(t, url)
	joinRoom(t, connA, "lobby", 1)

	connB := dial(t, url)
	idB := joinRoom(t, connB, "lobby", 1)
	expect(t, connA, func(env protocol.Envelope) bool { return env.Type == protocol.TypeJoin })

	connC := dial(t, url)
	idC := joinRoom(t, connC, "lobby", 1)
	expect(t, connA, func(env protocol.Envelope) bool { return env.Type == protocol.TypeJoin })

	// Explicit leave.
	send(t, connB, protocol.Envelope{Type: protocol.TypeLeave, Seq: 2})
	left := expect(t, connA, func(env protocol.Envelope) bool { return env.Type == protocol.TypeLeave })
	if left.ConnectionID != idB {
		t.Fatalf("leave broadcast id=%q, want %q", left.ConnectionID, idB)
	}

	// Abrupt disconnect.
	_ = connC.Close()
	left = expect(t, connA, func(env protocol.Envelope) bool { return env.Type == protocol.TypeLeave })
	if left.ConnectionID != idC {
		t.Fatalf("leave broadcast id=%q, want %q", left.ConnectionID, idC)
	}
}

func TestSignal_MalformedAndHeartbeatKeepConnection(t *testing.T) {
	srv, url := startRelay(t, testConfig())

	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("\r\n")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	// The connection survives both and can still join.
	joinRoom(t, conn, "lobby", 1)
	if got := srv.Rooms().MemberCount("lobby"); got != 1 {
		t.Fatalf("member count=%d, want 1", got)
	}
}

func TestSignal_RejoinReplacesMembership(t *testing.T) {
	srv, url := startRelay(t, testConfig())

	conn := dial(t, url)
	first := joinRoom(t, conn, "room-1", 1)
	second := joinRoom(t, conn, "room-2", 2)

	if first == second {
		t.Fatalf("rejoin must mint a fresh connection id")
	}
	if got := srv.Rooms().MemberCount("room-1"); got != 0 {
		t.Fatalf("room-1 count=%d, want 0 after rejoin", got)
	}
	if got := srv.Rooms().MemberCount("room-2"); got != 1 {
		t.Fatalf("room-2 count=%d, want 1", got)
	}
}

func TestSignal_RoomFullClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRoomMembers = 1
	_, url := startRelay(t, cfg)

	connA := dial(t, url)
	joinRoom(t, connA, "lobby", 1)

	connB := dial(t, url)
	data, _ := protocol.MarshalData(protocol.JoinRequest{Room: "lobby"})
	send(t, connB, protocol.Envelope{Type: protocol.TypeJoin, Seq: 1, Data: data})

	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := connB.ReadMessage()
	if err == nil {
		t.Fatalf("expected close, got frame")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestSignal_OriginRejected(t *testing.T) {
	_, url := startRelay(t, testConfig())

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
}
