package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/meshtalk/signaling/internal/metrics"
	"github.com/meshtalk/signaling/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMember(t *testing.T, queueDepth int) *member {
	t.Helper()
	return newMember(nil, queueDepth)
}

func recvEnvelope(t *testing.T, mem *member) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-mem.send:
		env, err := protocol.Parse(frame)
		if err != nil {
			t.Fatalf("parse queued frame: %v", err)
		}
		return env
	default:
		t.Fatalf("expected a queued frame")
	}
	return protocol.Envelope{}
}

func TestJoin_BroadcastsToOthersOnly(t *testing.T) {
	rooms := NewRooms(testLogger(), metrics.New(), 0)

	a := testMember(t, 4)
	b := testMember(t, 4)

	if err := rooms.Join("lobby", "conn-a", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if len(a.send) != 0 {
		t.Fatalf("first member should not receive its own join")
	}

	if err := rooms.Join("lobby", "conn-b", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	env := recvEnvelope(t, a)
	if env.Type != protocol.TypeJoin || env.ConnectionID != "conn-b" {
		t.Fatalf("a got %+v, want join broadcast for conn-b", env)
	}
	if len(b.send) != 0 {
		t.Fatalf("joining member should not receive its own join broadcast")
	}
}

func TestJoin_SameIDTwiceIsNoOp(t *testing.T) {
	rooms := NewRooms(testLogger(), metrics.New(), 0)

	a := testMember(t, 4)
	b := testMember(t, 4)
	if err := rooms.Join("lobby", "conn-a", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := rooms.Join("lobby", "conn-b", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	<-a.send // drain join broadcast

	if err := rooms.Join("lobby", "conn-b", b); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if len(a.send) != 0 {
		t.Fatalf("repeat join must not rebroadcast")
	}
	if got := rooms.MemberCount("lobby"); got != 2 {
		t.Fatalf("member count=%d, want 2", got)
	}
}

func TestJoin_RoomFull(t *testing.T) {
	rooms := NewRooms(testLogger(), metrics.New(), 1)

	if err := rooms.Join("lobby", "conn-a", testMember(t, 4)); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := rooms.Join("lobby", "conn-b", testMember(t, 4)); err != ErrRoomFull {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if got := rooms.MemberCount("lobby"); got != 1 {
		t.Fatalf("member count=%d, want 1", got)
	}
}

func TestLeave_BroadcastsAndDeletesEmptyRoom(t *testing.T) {
	m := metrics.New()
	rooms := NewRooms(testLogger(), m, 0)

	a := testMember(t, 4)
	b := testMember(t, 4)
	if err := rooms.Join("lobby", "conn-a", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := rooms.Join("lobby", "conn-b", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	<-a.send

	rooms.Leave("lobby", "conn-b")
	env := recvEnvelope(t, a)
	if env.Type != protocol.TypeLeave || env.ConnectionID != "conn-b" {
		t.Fatalf("a got %+v, want leave broadcast for conn-b", env)
	}

	rooms.Leave("lobby", "conn-a")
	if got := rooms.MemberCount("lobby"); got != 0 {
		t.Fatalf("member count=%d, want 0", got)
	}
	if m.Get(metrics.RoomsDeleted) != 1 {
		t.Fatalf("rooms_deleted=%d, want 1", m.Get(metrics.RoomsDeleted))
	}

	// Leaving an unknown id is a no-op.
	rooms.Leave("lobby", "conn-a")
	rooms.Leave("ghost", "conn-x")
}

func TestForward_RewritesSenderAndStripsSeq(t *testing.T) {
	rooms := NewRooms(testLogger(), metrics.New(), 0)

	a := testMember(t, 4)
	b := testMember(t, 4)
	if err := rooms.Join("lobby", "conn-a", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := rooms.Join("lobby", "conn-b", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	<-a.send

	data, _ := json.Marshal(protocol.SessionDescription{Type: "offer", SDP: "v=0"})
	ok := rooms.Forward("lobby", "conn-a", protocol.Envelope{
		Type:         protocol.TypeOffer,
		ConnectionID: "conn-b",
		Seq:          9,
		Data:         data,
	})
	if !ok {
		t.Fatalf("forward failed")
	}

	env := recvEnvelope(t, b)
	if env.Type != protocol.TypeOffer {
		t.Fatalf("type=%q, want offer", env.Type)
	}
	if env.ConnectionID != "conn-a" {
		t.Fatalf("connectionId=%q, want sender conn-a", env.ConnectionID)
	}
	if env.Seq != 0 {
		t.Fatalf("seq=%d, want stripped", env.Seq)
	}
	if len(a.send) != 0 {
		t.Fatalf("forward must not echo to sender")
	}
}

func TestForward_UnknownTargetAndCrossRoom(t *testing.T) {
	rooms := NewRooms(testLogger(), metrics.New(), 0)

	a := testMember(t, 4)
	c := testMember(t, 4)
	if err := rooms.Join("lobby", "conn-a", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := rooms.Join("other", "conn-c", c); err != nil {
		t.Fatalf("join c: %v", err)
	}

	data, _ := json.Marshal(protocol.SessionDescription{Type: "offer", SDP: "v=0"})
	env := protocol.Envelope{Type: protocol.TypeOffer, ConnectionID: "conn-c", Data: data}

	if rooms.Forward("lobby", "conn-a", env) {
		t.Fatalf("forward across rooms must fail")
	}
	if len(c.send) != 0 {
		t.Fatalf("cross-room envelope leaked")
	}

	env.ConnectionID = "conn-missing"
	if rooms.Forward("lobby", "conn-a", env) {
		t.Fatalf("forward to unknown target must fail")
	}
}

func TestBroadcast_DropsBackpressuredMember(t *testing.T) {
	m := metrics.New()
	rooms := NewRooms(testLogger(), m, 0)

	stalled := testMember(t, 1)
	stalled.send <- []byte("x") // fill the queue
	if err := rooms.Join("lobby", "conn-stalled", stalled); err != nil {
		t.Fatalf("join stalled: %v", err)
	}

	if err := rooms.Join("lobby", "conn-b", testMember(t, 4)); err != nil {
		t.Fatalf("join b: %v", err)
	}

	select {
	case <-stalled.done:
	default:
		t.Fatalf("expected stalled member to be closed")
	}
	if m.Get(metrics.DroppedBackpressed) != 1 {
		t.Fatalf("dropped_backpressure=%d, want 1", m.Get(metrics.DroppedBackpressed))
	}
}
