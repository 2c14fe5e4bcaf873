package signal

import "encoding/json"

// Types of messages exchanged with the signaling relay.
const (
	TypeJoinRoom     = "join-room"
	TypeRoomJoined   = "room-joined"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeSignal       = "signal"
	TypeDesktopGone  = "desktop-disconnected"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Envelope is the wire format for all signaling messages. The relay
// forwards offer/answer/candidate/signal envelopes between the two
// peers of a room without interpreting their contents.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	DesktopID string          `json:"desktopId,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Relayed returns the negotiation payload carried by a relayed
// envelope, picked by the envelope's type.
func (e Envelope) Relayed() json.RawMessage {
	switch e.Type {
	case TypeOffer:
		return e.Offer
	case TypeAnswer:
		return e.Answer
	case TypeICECandidate:
		return e.Candidate
	case TypeSignal:
		return e.Signal
	}
	return nil
}

// isRelay reports whether a message type is a peer-to-peer relay kind
// as opposed to a relay-server control message.
func isRelay(typ string) bool {
	switch typ {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeSignal:
		return true
	}
	return false
}
