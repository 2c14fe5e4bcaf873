package pairing

import (
	"strings"
	"testing"
)

func TestParseValid(t *testing.T) {
	p, err := Parse([]byte(`{
		"type": "webrtc",
		"signalingServer": "wss://relay.example.com",
		"roomId": "a1b2c3d4e5f6",
		"deviceName": "Study PC"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.SignalingServer != "wss://relay.example.com" || p.RoomID != "a1b2c3d4e5f6" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.DeviceName != "Study PC" {
		t.Fatalf("device name lost: %+v", p)
	}
}

func TestValidate(t *testing.T) {
	base := Payload{
		Type:            PayloadType,
		SignalingServer: "wss://relay.example.com",
		RoomID:          "deadbeef01",
	}

	cases := []struct {
		name   string
		mutate func(p *Payload)
		errHas string
	}{
		{"valid", func(p *Payload) {}, ""},
		{"plain ws scheme", func(p *Payload) { p.SignalingServer = "ws://192.168.1.5:8080" }, ""},
		{"mixed-case hex room", func(p *Payload) { p.RoomID = "DeadBeef01" }, ""},
		{"wrong type", func(p *Payload) { p.Type = "bluetooth" }, "unsupported pairing type"},
		{"missing type", func(p *Payload) { p.Type = "" }, "unsupported pairing type"},
		{"http scheme", func(p *Payload) { p.SignalingServer = "https://relay.example.com" }, "invalid signaling server"},
		{"empty server", func(p *Payload) { p.SignalingServer = "" }, "invalid signaling server"},
		{"bare scheme", func(p *Payload) { p.SignalingServer = "wss://" }, "invalid signaling server"},
		{"empty room", func(p *Payload) { p.RoomID = "" }, "invalid room ID"},
		{"non-hex room", func(p *Payload) { p.RoomID = "not-a-room!" }, "invalid room ID"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := base
			c.mutate(&p)
			err := p.Validate()
			if c.errHas == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.errHas) {
				t.Fatalf("expected error containing %q, got %v", c.errHas, err)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json at all")); err == nil {
		t.Fatal("garbage payload accepted")
	}
	if _, err := Parse([]byte(`{"type":"webrtc"}`)); err == nil {
		t.Fatal("payload with missing fields accepted")
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"wss://relay.example.com":  "wss://relay.example.com/ws",
		"wss://relay.example.com/": "wss://relay.example.com/ws",
		"ws://10.0.0.2:8080":       "ws://10.0.0.2:8080/ws",
	}
	for server, want := range cases {
		p := Payload{SignalingServer: server}
		if got := p.WSURL(); got != want {
			t.Fatalf("WSURL(%q) = %q, want %q", server, got, want)
		}
	}
}
