package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers is the fixed public STUN set used for NAT
// traversal. There is no TURN fallback: symmetric-NAT pairs that can't
// find a path surface as an error state rather than hanging.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// peerHandle abstracts the underlying WebRTC peer connection so the
// session state machine can be driven by in-process fakes in tests.
type peerHandle interface {
	// ApplyOffer applies the counterpart's session description and
	// returns the local answer to relay back.
	ApplyOffer(offer json.RawMessage) (json.RawMessage, error)

	// AddCandidate applies a remote ICE candidate.
	AddCandidate(candidate json.RawMessage) error

	Close() error
}

// channelEvents receives peer connection and data channel events.
type channelEvents struct {
	// onSignal fires for locally generated signals (ICE candidates) that
	// must be relayed to the counterpart.
	onSignal func(payload json.RawMessage)

	// onOpen fires once the desktop-created data channel is usable.
	onOpen func(ch Channel)

	onText   func(b []byte)
	onBinary func(b []byte)
	onClose  func()

	// onFailed fires when the connection fails terminally (e.g. ICE
	// found no path).
	onFailed func(reason string)
}

// Channel is a send-capable view of the data channel handed to the
// transfer engine.
type Channel interface {
	SendText(b []byte) error
}

// rtcPeer is the production peerHandle over pion/webrtc.
type rtcPeer struct {
	pc *webrtc.PeerConnection
}

// newRTCPeer constructs a peer connection in the responder role: the
// desktop initiates the offer and creates the data channel. The
// channel must be negotiated ordered and reliable; chunk attribution
// depends on in-order delivery.
func newRTCPeer(stunServers []string, ev channelEvents) (peerHandle, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %v", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ev.onSignal(b)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			ev.onFailed("peer connection failed: no route between peers")
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			ev.onOpen(&rtcChannel{dc: dc})
		})
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			if m.IsString {
				ev.onText(m.Data)
			} else {
				ev.onBinary(m.Data)
			}
		})
		dc.OnClose(func() {
			ev.onClose()
		})
	})

	return &rtcPeer{pc: pc}, nil
}

// ApplyOffer sets the remote offer, produces the local answer and
// returns it serialized for the signaling relay.
func (p *rtcPeer) ApplyOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("error parsing offer: %v", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("error applying offer: %v", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating answer: %v", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("error applying answer: %v", err)
	}

	return json.Marshal(answer)
}

func (p *rtcPeer) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("error parsing ICE candidate: %v", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *rtcPeer) Close() error {
	return p.pc.Close()
}

// rtcChannel adapts a pion data channel to the Channel interface.
type rtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *rtcChannel) SendText(b []byte) error {
	return c.dc.SendText(string(b))
}
