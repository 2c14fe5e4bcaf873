package pairing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PayloadType is the only pairing payload type this client understands.
const PayloadType = "webrtc"

var (
	reServer = regexp.MustCompile(`^wss?://.+`)
	reHex    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// Payload is the decoded contents of a pairing QR code. The QR
// scanner itself is external; this package only validates the
// {signalingServer, roomId} tuple it produces.
type Payload struct {
	Type            string `json:"type"`
	SignalingServer string `json:"signalingServer"`
	RoomID          string `json:"roomId"`
	DeviceName      string `json:"deviceName,omitempty"`
}

// Parse decodes and validates a raw pairing payload.
func Parse(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("error parsing pairing payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the payload fields against the pairing contract.
func (p Payload) Validate() error {
	if p.Type != PayloadType {
		return fmt.Errorf("unsupported pairing type %q (expected %q)", p.Type, PayloadType)
	}
	if !reServer.MatchString(p.SignalingServer) {
		return fmt.Errorf("invalid signaling server %q (expected ws:// or wss:// URL)", p.SignalingServer)
	}
	if p.RoomID == "" || !reHex.MatchString(p.RoomID) {
		return fmt.Errorf("invalid room ID %q (expected non-empty hex string)", p.RoomID)
	}
	return nil
}

// WSURL returns the websocket endpoint on the signaling server.
func (p Payload) WSURL() string {
	return strings.TrimRight(p.SignalingServer, "/") + "/ws"
}
