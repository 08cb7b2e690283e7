// Package relay implements the room-scoped signaling relay.
//
// Browser and native clients connect over a WebSocket, join a room, and
// exchange SDP offers/answers and ICE candidates through envelopes. The relay
// assigns each joined connection an opaque connection id, fans join/leave
// notifications out to the rest of the room, and forwards offer/answer/
// candidate envelopes point-to-point after rewriting the connection id to
// name the sender.
package relay
