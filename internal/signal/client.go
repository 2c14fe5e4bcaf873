package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Latency thresholds for heartbeat round-trips. Crossing these is a
// diagnostic, not a failure.
const (
	latencyModerate = 2 * time.Second
	latencyHigh     = 5 * time.Second
)

// ErrClosed is returned when an operation is attempted on a closed client.
var ErrClosed = errors.New("signaling client is closed")

// Config represents the signaling client configuration.
type Config struct {
	URL               string        `koanf:"url"`
	DialTimeout       time.Duration `koanf:"dial_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// Reconnect backoff for the underlying transport.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	MaxRetries  int           `koanf:"max_retries"`
}

// DefaultConfig returns the signaling client defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        30 * time.Second,
		MaxRetries:        8,
	}
}

// Callbacks are invoked by the client's read loop for inbound events.
// All of them are optional.
type Callbacks struct {
	// OnJoined fires when the room reports both peers present.
	OnJoined func(roomID, desktopID string)

	// OnRelayed fires for every relayed negotiation envelope
	// (offer / answer / ice-candidate / signal) with the sender's peer ID.
	OnRelayed func(from string, env Envelope)

	// OnDesktopGone fires when the counterpart leaves the room. This is
	// distinct from a transport error.
	OnDesktopGone func()

	// OnError fires once when the transport fails terminally
	// (reconnect attempts exhausted).
	OnError func(err error)
}

// Client maintains a websocket connection to the signaling relay and
// exchanges negotiation envelopes with the counterpart peer of a room.
type Client struct {
	cfg Config
	cb  Callbacks
	log *log.Logger

	mut    sync.Mutex
	ws     *websocket.Conn
	roomID string
	closed bool

	// Channel for outbound messages.
	dataQ chan []byte

	// Signals the active connection's writer to stop.
	connDone chan struct{}

	// Timestamp of the last heartbeat ping awaiting its pong.
	lastPing time.Time
}

// NewClient returns a new signaling client. Connect() has to be called
// to establish the transport.
func NewClient(cfg Config, cb Callbacks, l *log.Logger) *Client {
	return &Client{
		cfg:   cfg,
		cb:    cb,
		log:   l,
		dataQ: make(chan []byte, 100),
	}
}

// Connect dials the relay and starts the read/write pumps. The
// transport auto-reconnects on unexpected disconnects with bounded
// exponential backoff; room membership is re-established after each
// reconnect.
func (c *Client) Connect() error {
	ws, err := c.dial()
	if err != nil {
		return fmt.Errorf("error connecting to signaling server: %v", err)
	}

	c.mut.Lock()
	c.ws = ws
	c.connDone = make(chan struct{})
	c.mut.Unlock()

	go c.runWriter(ws, c.connDone)
	go c.runHeartbeat()
	go c.run()
	return nil
}

// JoinRoom requests membership in the given room. If the counterpart
// isn't there yet, no room-joined arrives; the caller stays in its
// connecting state rather than treating that as an error.
func (c *Client) JoinRoom(roomID string) error {
	c.mut.Lock()
	c.roomID = roomID
	c.mut.Unlock()
	return c.send(Envelope{Type: TypeJoinRoom, RoomID: roomID})
}

// Relay forwards a negotiation payload of the given kind to the named
// peer without interpreting it.
func (c *Client) Relay(kind, targetPeerID string, payload json.RawMessage) error {
	env := Envelope{Type: kind, To: targetPeerID}
	switch kind {
	case TypeOffer:
		env.Offer = payload
	case TypeAnswer:
		env.Answer = payload
	case TypeICECandidate:
		env.Candidate = payload
	case TypeSignal:
		env.Signal = payload
	default:
		return fmt.Errorf("unknown relay kind %q", kind)
	}
	return c.send(env)
}

// Close tears the transport down. It is idempotent and suppresses the
// auto-reconnect behaviour.
func (c *Client) Close() {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mut.Unlock()

	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Time{})
		ws.Close()
	}
}

// send marshals and queues an envelope for the writer pump.
func (c *Client) send(env Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.dataQ <- b:
		return nil
	default:
		return errors.New("signaling write queue is full")
	}
}

// run is the supervisor loop: it reads from the active connection
// until it drops, then redials with backoff and rejoins the room.
func (c *Client) run() {
	for {
		c.runReader()
		if c.isClosed() {
			return
		}

		ws, err := c.redial()
		if err != nil {
			c.log.Printf("signaling transport failed terminally: %v", err)
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			return
		}

		done := make(chan struct{})
		c.mut.Lock()
		c.ws = ws
		c.connDone = done
		room := c.roomID
		c.mut.Unlock()

		go c.runWriter(ws, done)

		// Room state doesn't survive a transport reconnect.
		if room != "" {
			if err := c.send(Envelope{Type: TypeJoinRoom, RoomID: room}); err != nil {
				c.log.Printf("error rejoining room %s: %v", room, err)
			}
		}
	}
}

// runReader reads incoming envelopes off the active connection until
// it is dropped or there's an error.
func (c *Client) runReader() {
	c.mut.Lock()
	ws := c.ws
	done := c.connDone
	c.mut.Unlock()
	if ws == nil {
		return
	}

	for {
		_, m, err := ws.ReadMessage()
		if err != nil {
			break
		}
		c.processMessage(m)
	}

	ws.Close()
	close(done)
}

// runWriter writes queued messages to the given connection until it
// is signalled to stop.
func (c *Client) runWriter(ws *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case m, ok := <-c.dataQ:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
	}
}

// runHeartbeat sends a liveness ping on a fixed interval, independent
// of payload traffic, and measures round-trip latency from the pong.
func (c *Client) runHeartbeat() {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for range t.C {
		if c.isClosed() {
			return
		}
		c.mut.Lock()
		c.lastPing = time.Now()
		c.mut.Unlock()
		if err := c.send(Envelope{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
			if err == ErrClosed {
				return
			}
			c.log.Printf("error sending signaling heartbeat: %v", err)
		}
	}
}

// processMessage dispatches one inbound envelope.
func (c *Client) processMessage(b []byte) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		c.log.Printf("error parsing signaling message: %v", err)
		return
	}

	switch {
	case env.Type == TypeRoomJoined:
		if c.cb.OnJoined != nil {
			c.cb.OnJoined(env.RoomID, env.DesktopID)
		}

	case isRelay(env.Type):
		if c.cb.OnRelayed != nil {
			c.cb.OnRelayed(env.From, env)
		}

	case env.Type == TypeDesktopGone:
		if c.cb.OnDesktopGone != nil {
			c.cb.OnDesktopGone()
		}

	case env.Type == TypePing:
		// The relay measures its own liveness; echo it back.
		c.send(Envelope{Type: TypePong, Timestamp: env.Timestamp})

	case env.Type == TypePong:
		c.recordPong()

	default:
		c.log.Printf("unknown signaling message type %q", env.Type)
	}
}

// recordPong logs the heartbeat round-trip latency against the
// warning thresholds.
func (c *Client) recordPong() {
	c.mut.Lock()
	sent := c.lastPing
	c.mut.Unlock()
	if sent.IsZero() {
		return
	}

	rtt := time.Since(sent)
	switch {
	case rtt > latencyHigh:
		c.log.Printf("signaling latency high: %v", rtt)
	case rtt > latencyModerate:
		c.log.Printf("signaling latency moderate: %v", rtt)
	}
}

// redial re-establishes the transport with bounded exponential backoff.
func (c *Client) redial() (*websocket.Conn, error) {
	delay := c.cfg.BackoffBase
	for i := 0; i < c.cfg.MaxRetries; i++ {
		time.Sleep(delay)
		if c.isClosed() {
			return nil, ErrClosed
		}

		ws, err := c.dial()
		if err == nil {
			c.log.Printf("signaling transport reconnected after %d attempt(s)", i+1)
			return ws, nil
		}
		c.log.Printf("signaling reconnect attempt %d failed: %v", i+1, err)

		delay *= 2
		if delay > c.cfg.BackoffCap {
			delay = c.cfg.BackoffCap
		}
	}
	return nil, fmt.Errorf("signaling transport unreachable after %d attempts", c.cfg.MaxRetries)
}

// dial opens one websocket connection to the relay.
func (c *Client) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := d.Dial(c.cfg.URL, nil)
	return ws, err
}

func (c *Client) isClosed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closed
}
