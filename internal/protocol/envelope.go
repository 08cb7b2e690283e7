package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Type tags a signaling envelope.
type Type string

const (
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeResponse  Type = "response"
)

// Heartbeat is the sentinel frame written periodically to keep intermediate
// proxies from timing out an idle signaling connection. Receivers must discard
// it before JSON parsing.
var Heartbeat = []byte("\r\n")

// IsHeartbeat reports whether raw is a heartbeat frame.
func IsHeartbeat(raw []byte) bool {
	return bytes.Equal(raw, Heartbeat)
}

// Envelope is the unit of communication between clients and the relay.
//
// ConnectionID names the peer the message is about: the addressee when a
// client sends an offer/answer/candidate, the originator after the relay has
// rewritten it on delivery. Seq correlates a client request with the relay's
// response envelope.
type Envelope struct {
	Type         Type            `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// SessionDescription is a JSON-friendly SDP offer/answer.
//
// We intentionally avoid depending on any WebRTC library type here; this
// package models the wire surface, not the implementation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// JoinRequest is the data payload of a join envelope.
type JoinRequest struct {
	Room string `json:"room"`
}

// JoinAck is the data payload of the response to a join request. It carries
// the relay-assigned connection identifier for this logical connection.
type JoinAck struct {
	ConnectionID string `json:"connectionId"`
}

// Parse decodes and validates one envelope. Callers are expected to discard
// heartbeat frames first (IsHeartbeat).
func Parse(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the per-type field requirements.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		// Client -> relay joins carry the room name in data; relay -> client
		// broadcasts carry the newcomer's connection id instead.
		if e.ConnectionID != "" {
			return nil
		}
		var req JoinRequest
		if err := json.Unmarshal(e.Data, &req); err != nil {
			return fmt.Errorf("join envelope has invalid data: %w", err)
		}
		if req.Room == "" {
			return fmt.Errorf("join envelope missing room")
		}
	case TypeLeave:
		// Relay -> client broadcasts name the departed member; a
		// client-originated leave carries no fields beyond the type.
	case TypeOffer, TypeAnswer:
		if e.ConnectionID == "" {
			return fmt.Errorf("%s envelope missing connectionId", e.Type)
		}
		var sdp SessionDescription
		if err := json.Unmarshal(e.Data, &sdp); err != nil {
			return fmt.Errorf("%s envelope has invalid data: %w", e.Type, err)
		}
		if sdp.SDP == "" {
			return fmt.Errorf("%s envelope missing sdp", e.Type)
		}
		if sdp.Type != string(e.Type) {
			return fmt.Errorf("%s envelope has sdp.type=%q", e.Type, sdp.Type)
		}
	case TypeCandidate:
		if e.ConnectionID == "" {
			return fmt.Errorf("candidate envelope missing connectionId")
		}
		var cand ICECandidate
		if err := json.Unmarshal(e.Data, &cand); err != nil {
			return fmt.Errorf("candidate envelope has invalid data: %w", err)
		}
		if cand.Candidate == "" {
			return fmt.Errorf("candidate envelope missing candidate")
		}
	case TypeResponse:
		if e.Seq == 0 {
			return fmt.Errorf("response envelope missing seq")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// Marshal encodes an envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData decodes an envelope payload into v.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data payload")
	}
	return json.Unmarshal(data, v)
}

// MarshalData encodes v and wraps it as an envelope payload.
func MarshalData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
